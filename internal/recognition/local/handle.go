package local

import (
	"context"
	"sync"
)

// Loader builds a Model. It is called at most once per successful load.
type Loader func(ctx context.Context) (*Model, error)

// Handle is a lazily initialized, shared Model. Concurrent first callers
// block on the same load and all observe its result. A failed load is not
// cached and the next Get retries. Loads have no timeout of their own.
type Handle struct {
	mu    sync.Mutex
	load  Loader
	model *Model
}

func NewHandle(load Loader) *Handle {
	return &Handle{load: load}
}

func (h *Handle) Get(ctx context.Context) (*Model, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil {
		return h.model, nil
	}
	model, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	h.model = model
	return model, nil
}

func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.model != nil
}

func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return nil
	}
	err := h.model.Close(ctx)
	h.model = nil
	return err
}
