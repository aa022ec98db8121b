package videoreader

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hualinli/proctor-node/models"
)

// fixtureSource produces a fixed number of frames at a high FPS then
// starts failing, to exercise the failure/reconnect path deterministically.
type fixtureSource struct {
	opens      int32
	failAfter  int
	readCount  int
	failForever bool
}

func (f *fixtureSource) Open(uri string) (float64, error) {
	atomic.AddInt32(&f.opens, 1)
	if uri == "bad://" {
		return 0, fmt.Errorf("cannot open")
	}
	return 1000, nil // fast tick so tests don't stall
}

func (f *fixtureSource) ReadFrame() (*models.Frame, error) {
	f.readCount++
	if f.failAfter > 0 && f.readCount > f.failAfter {
		if f.failForever {
			return nil, fmt.Errorf("read failed")
		}
		f.failAfter = 0 // succeed from here on, simulating recovery
		return &models.Frame{Width: 1, Height: 1, Pix: []byte{0, 0, 0}, Seq: uint64(f.readCount)}, nil
	}
	return &models.Frame{Width: 1, Height: 1, Pix: []byte{0, 0, 0}, Seq: uint64(f.readCount)}, nil
}

func (f *fixtureSource) Close() error { return nil }

func TestStreamsFramesIntoRawQueue(t *testing.T) {
	src := &fixtureSource{}
	vr := New(func() Source { return src }, 8, nil)
	vr.SetSource("good://")
	vr.SetVideoOn(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vr.Start(ctx)

	deadline := time.After(time.Second)
	for {
		if vr.Raw.Len() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no frames reached the raw queue")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestOpenFailureSetsLastError(t *testing.T) {
	src := &fixtureSource{}
	vr := New(func() Source { return src }, 8, nil)
	vr.SetSource("bad://")
	vr.SetVideoOn(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vr.Start(ctx)

	deadline := time.After(2 * time.Second)
	for vr.LastError() == nil {
		select {
		case <-deadline:
			t.Fatal("lastError never set")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestExitDrainsQueue(t *testing.T) {
	src := &fixtureSource{}
	vr := New(func() Source { return src }, 8, nil)
	vr.SetSource("good://")
	vr.SetVideoOn(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vr.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	vr.Exit()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, vr.Raw.Len())
}
