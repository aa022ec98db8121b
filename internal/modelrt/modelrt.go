// Package modelrt defines the model runtime boundary spec §1 marks
// out of scope ("the model runtime, treated as an opaque 'run tensor ->
// tensor' capability"). There is no real ML inference library anywhere
// in the example corpus to ground a concrete backend on, so this package
// is deliberately just the interface plus a deterministic test fixture —
// the shape (Load/Infer/Unload, device id, input/output tensor slices)
// follows DimaJoyti-go-coffee's InferenceEngine/InferenceRequest/
// InferenceResponse naming from the object-detection example.
package modelrt

import (
	"context"
	"fmt"
)

// Tensor is a flat float32 buffer plus its shape, the common currency
// between InferenceStage and whatever runtime is actually wired in.
type Tensor struct {
	Data  []float32
	Shape []int
}

// Handle is an opaque loaded-model reference; only the runtime that
// issued it knows how to use it, InferenceStage just holds it between
// Load and Unload.
type Handle interface {
	// Infer runs the model on input, returning one output tensor.
	Infer(ctx context.Context, input Tensor) (Tensor, error)
	// Close releases any native resources tied to this handle.
	Close() error
}

// Runtime loads model files onto a device and hands back a Handle.
type Runtime interface {
	Load(ctx context.Context, modelPath string, deviceID int) (Handle, error)
}

// Fixture is a Runtime that never touches a real model; Load succeeds
// immediately and Infer calls a caller-supplied function. Used by tests
// and by any deployment that has not wired a real backend yet.
type Fixture struct {
	InferFunc func(Tensor) (Tensor, error)
}

func (f Fixture) Load(_ context.Context, _ string, _ int) (Handle, error) {
	return fixtureHandle{fn: f.InferFunc}, nil
}

type fixtureHandle struct {
	fn func(Tensor) (Tensor, error)
}

func (h fixtureHandle) Infer(_ context.Context, input Tensor) (Tensor, error) {
	if h.fn == nil {
		return Tensor{}, fmt.Errorf("modelrt: fixture has no InferFunc")
	}
	return h.fn(input)
}

func (h fixtureHandle) Close() error { return nil }
