package session

import (
	"context"
	"sync"
)

// Pipeline is the decode/render pipeline a session drives. Prepare and
// Release may block and are run off the control goroutine; the other methods
// must return promptly. Asynchronous decode failures are reported through the
// callback given to the PipelineFactory.
type Pipeline interface {
	Prepare(ctx context.Context) error
	Enqueue(data []byte) error
	Play() error
	Pause() error
	Flush() error
	Release(ctx context.Context) error
}

// PipelineFactory creates the pipeline for one binding. onError may be called
// from any goroutine.
type PipelineFactory func(onError func(error)) Pipeline

// NullPipeline accepts everything and renders nothing. The headless server
// uses it: playback is simulated by the controller's clock.
type NullPipeline struct {
	mu       sync.Mutex
	enqueued int64
}

// NewNullPipeline is a PipelineFactory for NullPipeline.
func NewNullPipeline(func(error)) Pipeline {
	return &NullPipeline{}
}

func (p *NullPipeline) Prepare(context.Context) error { return nil }

func (p *NullPipeline) Enqueue(data []byte) error {
	p.mu.Lock()
	p.enqueued += int64(len(data))
	p.mu.Unlock()
	return nil
}

func (p *NullPipeline) Play() error                   { return nil }
func (p *NullPipeline) Pause() error                  { return nil }
func (p *NullPipeline) Flush() error                  { return nil }
func (p *NullPipeline) Release(context.Context) error { return nil }

// Enqueued returns the number of bytes handed to the pipeline.
func (p *NullPipeline) Enqueued() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueued
}
