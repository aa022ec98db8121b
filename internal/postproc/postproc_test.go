package postproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hualinli/proctor-node/internal/framebus"
	"github.com/hualinli/proctor-node/internal/imageops"
	"github.com/hualinli/proctor-node/internal/inference"
	"github.com/hualinli/proctor-node/internal/queue"
	"github.com/hualinli/proctor-node/models"
)

type fakeObserver struct {
	running     bool
	session     models.ExamSession
	seatMap     models.SeatMap
	frame       int
	attributeFn func(x, y int) (int, bool)
	recordCalls int
	snapshotOn  bool
}

func (f *fakeObserver) IsRunning() bool                  { return f.running }
func (f *fakeObserver) Session() models.ExamSession       { return f.session }
func (f *fakeObserver) SeatMapSnapshot() models.SeatMap   { return f.seatMap }
func (f *fakeObserver) IncrementFrameCounter() int        { f.frame++; return f.frame }
func (f *fakeObserver) Attribute(x, y int) (int, bool)    { return f.attributeFn(x, y) }
func (f *fakeObserver) RecordDetection(seatID, classID, frame int) bool {
	f.recordCalls++
	return f.snapshotOn
}

type fakeAlerts struct {
	calls int
}

func (a *fakeAlerts) UploadAlert(ctx context.Context, classroomID, examID, seatID, x, y, classID int, jpeg []byte) {
	a.calls++
}

func palette() models.Palette {
	return models.Palette{
		Names:  []string{"head_abnormal"},
		Colors: []models.Color{{R: 255}},
	}
}

func TestPublishesFrameToFrameBus(t *testing.T) {
	result := queue.New[*inference.Result](4)
	bus := framebus.New()
	obs := &fakeObserver{attributeFn: func(x, y int) (int, bool) { return 0, false }}

	p := New(Config{Palette: palette(), FPSWindowSize: 10, JPEGQuality: 80}, result, bus, imageops.New(), obs, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	frame := &models.Frame{Width: 16, Height: 16, Pix: make([]byte, 16*16*3)}
	result.Offer(&inference.Result{Frame: frame, Boxes: nil, ClassIDs: nil})

	_, _, res := bus.WaitNewer(0, time.Second)
	require.Equal(t, framebus.OK, res)
}

func TestSnapshotFiresOnAttributedAnomaly(t *testing.T) {
	result := queue.New[*inference.Result](4)
	bus := framebus.New()
	dir := t.TempDir()
	obs := &fakeObserver{
		seatMap:     models.SeatMap{1: [2]int{8, 8}},
		attributeFn: func(x, y int) (int, bool) { return 1, true },
		snapshotOn:  true,
		session:     models.ExamSession{SnapshotDir: dir, ExamKey: "k", ClassroomID: 1, ExamID: 1},
	}
	alerts := &fakeAlerts{}

	p := New(Config{Palette: palette(), FPSWindowSize: 10, JPEGQuality: 80}, result, bus, imageops.New(), obs, alerts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	frame := &models.Frame{Width: 16, Height: 16, Pix: make([]byte, 16*16*3)}
	box := models.DetectionBox{X1: 4, Y1: 4, X2: 12, Y2: 12, Score: 0.9, ClassID: 0}
	result.Offer(&inference.Result{Frame: frame, Boxes: []models.DetectionBox{box}, ClassIDs: []int{0}})

	deadline := time.After(time.Second)
	for alerts.calls == 0 {
		select {
		case <-deadline:
			t.Fatal("alert never fired")
		case <-time.After(time.Millisecond):
		}
	}
	require.Equal(t, 1, obs.recordCalls)
}

func TestDuplicateSeatClassInOneFrameRecordsOnce(t *testing.T) {
	result := queue.New[*inference.Result](4)
	bus := framebus.New()
	obs := &fakeObserver{
		seatMap:     models.SeatMap{1: [2]int{8, 8}},
		attributeFn: func(x, y int) (int, bool) { return 1, true },
	}

	p := New(Config{Palette: palette(), FPSWindowSize: 10, JPEGQuality: 80}, result, bus, imageops.New(), obs, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	frame := &models.Frame{Width: 16, Height: 16, Pix: make([]byte, 16*16*3)}
	boxes := []models.DetectionBox{
		{X1: 4, Y1: 4, X2: 12, Y2: 12, Score: 0.9, ClassID: 0},
		{X1: 5, Y1: 5, X2: 13, Y2: 13, Score: 0.8, ClassID: 0},
	}
	result.Offer(&inference.Result{Frame: frame, Boxes: boxes, ClassIDs: []int{0, 0}})

	_, _, res := bus.WaitNewer(0, time.Second)
	require.Equal(t, framebus.OK, res)
	require.Equal(t, 1, obs.recordCalls)
}

func TestIdleResultQueueClearsBus(t *testing.T) {
	result := queue.New[*inference.Result](4)
	bus := framebus.New()
	bus.Publish([]byte("stale"))
	obs := &fakeObserver{attributeFn: func(x, y int) (int, bool) { return 0, false }}

	p := New(Config{Palette: palette(), FPSWindowSize: 10, JPEGQuality: 80}, result, bus, imageops.New(), obs, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.exit.Store(false)
	go p.run(ctx)

	time.Sleep(600 * time.Millisecond)
	// lastSeen=0 would return the "stale" frame at once had it not been
	// cleared.
	_, _, res := bus.WaitNewer(0, 50*time.Millisecond)
	require.Equal(t, framebus.Timeout, res)
}
