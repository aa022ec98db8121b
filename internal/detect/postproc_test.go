package detect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildTensor lays out detections in the (1, 4+K, N) channel-major form
// PostProcess expects.
func buildTensor(numClasses int, dets [][]float64) Tensor {
	n := len(dets)
	channels := 4 + numClasses
	data := make([]float32, channels*n)
	for c := 0; c < channels; c++ {
		for i, d := range dets {
			data[c*n+i] = float32(d[c])
		}
	}
	return Tensor{Data: data, NumClasses: numClasses, NumAnchors: n}
}

func TestPostProcessFiltersByConfidence(t *testing.T) {
	// one confident box (class 0 score 0.9), one below threshold.
	tensor := buildTensor(2, [][]float64{
		{50, 50, 20, 20, 0.9, 0.1},
		{150, 150, 20, 20, 0.05, 0.02},
	})
	boxes, err := PostProcess(tensor, Params{
		InputWidth: 200, InputHeight: 200,
		OriginalWidth: 200, OriginalHeight: 200,
		ConfThreshold: 0.25, IoUThreshold: 0.45,
	})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.Equal(t, 0, boxes[0].ClassID)
}

func TestPostProcessSuppressesOverlap(t *testing.T) {
	tensor := buildTensor(1, [][]float64{
		{50, 50, 20, 20, 0.9},
		{52, 52, 20, 20, 0.8}, // near-duplicate, should be suppressed
	})
	boxes, err := PostProcess(tensor, Params{
		InputWidth: 200, InputHeight: 200,
		OriginalWidth: 200, OriginalHeight: 200,
		ConfThreshold: 0.25, IoUThreshold: 0.45,
	})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.InDelta(t, 0.9, boxes[0].Score, 0.001)
}

func TestPostProcessSuppressesOverlapAcrossClasses(t *testing.T) {
	// two near-duplicate boxes that win different classes: NMS here must
	// be class-agnostic (matching cv2.dnn.NMSBoxes), so only the
	// higher-scoring one should survive.
	tensor := buildTensor(2, [][]float64{
		{50, 50, 20, 20, 0.9, 0.1},
		{52, 52, 20, 20, 0.1, 0.8},
	})
	boxes, err := PostProcess(tensor, Params{
		InputWidth: 200, InputHeight: 200,
		OriginalWidth: 200, OriginalHeight: 200,
		ConfThreshold: 0.25, IoUThreshold: 0.45,
	})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.Equal(t, 0, boxes[0].ClassID)
	require.InDelta(t, 0.9, boxes[0].Score, 0.001)
}

func TestPostProcessRescalesToOriginalFrame(t *testing.T) {
	tensor := buildTensor(1, [][]float64{
		{50, 50, 20, 20, 0.9},
	})
	boxes, err := PostProcess(tensor, Params{
		InputWidth: 100, InputHeight: 100,
		OriginalWidth: 200, OriginalHeight: 200,
		ConfThreshold: 0.25, IoUThreshold: 0.45,
	})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.Equal(t, 80, boxes[0].X1)
	require.Equal(t, 120, boxes[0].X2)
}

func TestPostProcessReturnsEmptyWhenNothingPasses(t *testing.T) {
	tensor := buildTensor(1, [][]float64{{50, 50, 20, 20, 0.01}})
	boxes, err := PostProcess(tensor, Params{
		InputWidth: 100, InputHeight: 100,
		OriginalWidth: 100, OriginalHeight: 100,
		ConfThreshold: 0.25, IoUThreshold: 0.45,
	})
	require.NoError(t, err)
	require.Empty(t, boxes)
}

func TestPostProcessClipsToFrameBounds(t *testing.T) {
	tensor := buildTensor(1, [][]float64{
		{5, 5, 20, 20, 0.9}, // box extends past x=0,y=0
	})
	boxes, err := PostProcess(tensor, Params{
		InputWidth: 100, InputHeight: 100,
		OriginalWidth: 100, OriginalHeight: 100,
		ConfThreshold: 0.25, IoUThreshold: 0.45,
	})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.GreaterOrEqual(t, boxes[0].X1, 0)
	require.GreaterOrEqual(t, boxes[0].Y1, 0)
}
