package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hualinli/proctor-node/internal/imageops"
	"github.com/hualinli/proctor-node/internal/modelrt"
	"github.com/hualinli/proctor-node/internal/queue"
	"github.com/hualinli/proctor-node/models"
)

type fakeObserver struct {
	seatMap models.SeatMap
}

func (f *fakeObserver) SetSeatMap(m models.SeatMap) { f.seatMap = m }

func oneAnchorDetTensor(numClasses int) modelrt.Tensor {
	n := 1
	channels := 4 + numClasses
	data := make([]float32, channels*n)
	data[0] = 32 // cx
	data[1] = 32 // cy
	data[2] = 20 // w
	data[3] = 20 // h
	data[4] = 0.9 // class 0 score
	return modelrt.Tensor{Data: data, Shape: []int{1, channels, n}}
}

func TestDetectAndClassifyOneFrame(t *testing.T) {
	runtime := modelrt.Fixture{InferFunc: func(in modelrt.Tensor) (modelrt.Tensor, error) {
		// detection call: shape (1,3,detH,detW) in, detH = 64 here.
		if in.Shape[2] == 64 {
			return oneAnchorDetTensor(1), nil
		}
		// classification call: shape (batch,3,clsH,clsW) in, (batch,numClasses) out.
		batch := in.Shape[0]
		return modelrt.Tensor{Data: make([]float32, batch*2), Shape: []int{batch, 2}}, nil
	}}

	cfg := Config{
		DetWidth: 64, DetHeight: 64, ClsWidth: 32, ClsHeight: 32, ClsBatch: 4,
		ConfThres: 0.25, IoUThres: 0.45, TrackMaxFrames: 2,
	}
	raw := queue.New[*models.Frame](4)
	observer := &fakeObserver{}
	stage := New(cfg, runtime, imageops.New(), raw, 4, observer, nil)
	stage.SetInferenceOn(true)
	stage.SetTrackingOn(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stage.Start(ctx)

	frame := &models.Frame{Width: 64, Height: 64, Pix: make([]byte, 64*64*3)}
	raw.Offer(frame)
	raw.Offer(frame)

	deadline := time.After(2 * time.Second)
	for {
		if stage.Result().Len() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no result produced")
		case <-time.After(time.Millisecond):
		}
	}

	res, ok := stage.Result().Poll(time.Second)
	require.Equal(t, queue.OK, ok)
	require.NotNil(t, res)
	require.Len(t, res.Boxes, 1)
}

func TestCalibrationCompletesAndPublishesSeatMap(t *testing.T) {
	runtime := modelrt.Fixture{InferFunc: func(in modelrt.Tensor) (modelrt.Tensor, error) {
		if in.Shape[2] == 64 { // detection call (detH = 64)
			return oneAnchorDetTensor(1), nil
		}
		batch := in.Shape[0]
		return modelrt.Tensor{Data: make([]float32, batch*2), Shape: []int{batch, 2}}, nil
	}}
	cfg := Config{DetWidth: 64, DetHeight: 64, ClsWidth: 32, ClsHeight: 32, ClsBatch: 4, ConfThres: 0.25, IoUThres: 0.45, TrackMaxFrames: 2}
	raw := queue.New[*models.Frame](4)
	observer := &fakeObserver{}
	stage := New(cfg, runtime, imageops.New(), raw, 4, observer, nil)
	stage.SetInferenceOn(true)
	stage.SetTrackingOn(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stage.Start(ctx)

	frame := &models.Frame{Width: 64, Height: 64, Pix: make([]byte, 64*64*3)}
	for i := 0; i < 3; i++ {
		raw.Offer(frame)
	}

	deadline := time.After(2 * time.Second)
	for observer.seatMap == nil {
		select {
		case <-deadline:
			t.Fatal("seat map never published")
		case <-time.After(2 * time.Millisecond):
		}
	}
	require.False(t, stage.TrackingOn())
}
