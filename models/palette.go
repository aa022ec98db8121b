package models

// Color is a BGR triple matching OpenCV-style pixel layout, used for
// per-class box and label colors.
type Color struct {
	B, G, R uint8
}

// Palette maps class ids to display names and colors, plus the configured
// "anomaly" and "snapshot" class subsets.
type Palette struct {
	Names  []string
	Colors []Color

	AnomalyClasses  map[int]bool
	SnapshotClasses map[int]bool
}

// Name returns the class name, falling back to "Unknown" for an
// out-of-range id (mirrors the reference implementation's behavior).
func (p Palette) Name(classID int) string {
	if classID >= 0 && classID < len(p.Names) {
		return p.Names[classID]
	}
	return "Unknown"
}

// ColorFor returns the configured color, falling back to green.
func (p Palette) ColorFor(classID int) Color {
	if classID >= 0 && classID < len(p.Colors) {
		return p.Colors[classID]
	}
	return Color{B: 0, G: 255, R: 0}
}

// IsAnomaly reports whether classID belongs to the anomaly set.
func (p Palette) IsAnomaly(classID int) bool { return p.AnomalyClasses[classID] }

// IsSnapshot reports whether classID belongs to the snapshot set.
func (p Palette) IsSnapshot(classID int) bool { return p.SnapshotClasses[classID] }

// AlertType maps a class id to the control-center alert type string per
// spec §6: 0->head_abnormal, 1->limb_abnormal, 2->sleeping, 3->standing,
// 4->normal. Unknown ids map to "unknown".
func AlertType(classID int) string {
	switch classID {
	case 0:
		return "head_abnormal"
	case 1:
		return "limb_abnormal"
	case 2:
		return "sleeping"
	case 3:
		return "standing"
	case 4:
		return "normal"
	default:
		return "unknown"
	}
}
