// Package services – Pipeline
//
// Pipeline is the worker pool between the relay transport and the
// Dispatcher. The transport submits raw messages one at a time; a fixed set
// of workers handles them concurrently, each message running to completion
// on one worker. Independent events may therefore be processed in parallel,
// which the storage contracts (unique event ids, atomic counters,
// create-if-absent peers) are built to tolerate.
package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Pipeline feeds raw relay messages to a Dispatcher through a bounded queue.
type Pipeline struct {
	Dispatcher *Dispatcher
	Log        zerolog.Logger

	// OnResult, if set, observes every Result (called from worker goroutines).
	OnResult func(Result)

	workers int
	queue   chan []byte
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPipeline builds a pipeline with the given worker count and queue size
// (both coerced to at least 1).
func NewPipeline(d *Dispatcher, workers, queue int, log zerolog.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	return &Pipeline{
		Dispatcher: d,
		Log:        log.With().Str("component", "pipeline").Logger(),
		workers:    workers,
		queue:      make(chan []byte, queue),
		done:       make(chan struct{}),
	}
}

// Start launches the workers. Handlers run with ctx; cancelling it does not
// stop the workers, Stop does.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.Log.Info().Int("workers", p.workers).Int("queue", cap(p.queue)).Msg("starting pipeline")
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i+1)
		}
	})
}

// Submit queues one raw message. It blocks until the message is queued, ctx
// ends or the pipeline stops.
func (p *Pipeline) Submit(ctx context.Context, raw []byte) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.queue <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	}
}

// Stop signals the workers, lets them drain what is already queued and
// waits for them to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.Log.With().Int("worker", id).Logger()
	handled := 0
	for {
		select {
		case raw := <-p.queue:
			p.handle(ctx, log, raw)
			handled++
		case <-p.done:
			for {
				select {
				case raw := <-p.queue:
					p.handle(ctx, log, raw)
					handled++
				default:
					log.Debug().Int("handled", handled).Msg("worker stopped")
					return
				}
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, log zerolog.Logger, raw []byte) {
	res := p.Dispatcher.HandleRaw(ctx, raw)
	if p.OnResult != nil {
		p.OnResult(res)
	}
	switch res.Outcome {
	case OutcomePersisted:
		log.Debug().Str("event_id", res.EventID).Stringer("class", res.Class).Int("rows", res.Rows).Msg("event persisted")
	case OutcomeFailed:
		log.Warn().Err(res.Err).Str("event_id", res.EventID).Stringer("class", res.Class).Msg("event failed")
	}
}
