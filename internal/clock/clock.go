// Package clock gathers the small set of time helpers the pipeline needs,
// generalized from the teacher's utils/time_stamp.go (NowNano,
// FormatTimestamp, SessionName) into the exam-key and snapshot-filename
// conventions spec §4.8/§4.7 define.
package clock

import (
	"fmt"
	"time"
)

// NowNano returns the current wall-clock time as nanoseconds since epoch.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// NanoToTime converts a nanosecond epoch timestamp back to time.Time.
func NanoToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// ExamKey builds the `{subject}_{classroomId}_{startEpochSec}` directory
// name spec's Glossary defines.
func ExamKey(subject string, classroomID int, startEpochSec int64) string {
	return fmt.Sprintf("%s_%d_%d", subject, classroomID, startEpochSec)
}

// SnapshotFilename builds the
// `snapshot_seat{id}_x{sx}_y{sy}_cls{c}_{epochSec}.jpg` name spec §4.7
// defines for anomaly evidence images.
func SnapshotFilename(seatID, x, y, classID int, epochSec int64) string {
	return fmt.Sprintf("snapshot_seat%d_x%d_y%d_cls%d_%d.jpg", seatID, x, y, classID, epochSec)
}
