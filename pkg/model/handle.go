package model

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// Loader fetches artifacts from wherever they are published.
type Loader interface {
	Load() (*Artifact, error)
}

// FileLoader reads a JSON artifact from disk.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load() (*Artifact, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("model: reading %s: %w", l.Path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("model: parsing %s: %w", l.Path, err)
	}
	return &a, nil
}

// Handle is the hot-swap point for the live engine. Scoring goroutines read
// it lock-free; Refresh swaps atomically so in-flight scores finish on the
// engine they started with.
type Handle struct {
	engine atomic.Pointer[Engine]
	loader Loader

	stopCh chan struct{}

	// OnSwap, if set, observes every version change.
	OnSwap func(prev, next string)
}

// NewHandle loads the initial engine via loader. Fails if the first load is
// bad; later refresh failures keep the current engine.
func NewHandle(loader Loader) (*Handle, error) {
	h := &Handle{loader: loader, stopCh: make(chan struct{})}
	if err := h.Refresh(); err != nil {
		return nil, err
	}
	return h, nil
}

// NewStaticHandle wraps a fixed engine. Used in tests and paper runs.
func NewStaticHandle(e *Engine) *Handle {
	h := &Handle{stopCh: make(chan struct{})}
	h.engine.Store(e)
	return h
}

// Engine returns the current engine.
func (h *Handle) Engine() *Engine {
	return h.engine.Load()
}

// Refresh reloads from the loader and swaps on success. A validation failure
// leaves the previous engine serving.
func (h *Handle) Refresh() error {
	if h.loader == nil {
		return nil
	}
	a, err := h.loader.Load()
	if err != nil {
		return err
	}
	e, err := NewEngine(a)
	if err != nil {
		return err
	}
	prev := h.engine.Swap(e)
	if prev != nil && prev.Version() != e.Version() {
		log.Printf("[MODEL] swapped %s -> %s", prev.Version(), e.Version())
		if h.OnSwap != nil {
			h.OnSwap(prev.Version(), e.Version())
		}
	}
	return nil
}

// StartRefreshLoop re-checks the loader on an interval until Stop.
func (h *Handle) StartRefreshLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.Refresh(); err != nil {
					log.Printf("[MODEL] refresh failed, keeping current: %v", err)
				}
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends the refresh loop.
func (h *Handle) Stop() {
	close(h.stopCh)
}
