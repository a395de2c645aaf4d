package stitcher

import (
	"context"
	"image"
	"sync/atomic"

	"github.com/jamesrr39/semaphore"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
)

// DefaultWorkers caps simultaneous outbound requests when no limit is configured
const DefaultWorkers = 10

// Fetched is the outcome of one fetch+decode unit
type Fetched struct {
	Request  tile.Request
	Image    image.Image
	Attempts int
	Err      error
}

// WorkFunc fetches and decodes a single region
type WorkFunc func(ctx context.Context, req tile.Request) (image.Image, int, error)

// Pool runs work units with bounded concurrency
type Pool struct {
	workers uint
	sema    atomic.Pointer[semaphore.Semaphore]
}

// NewPool creates a pool allowing at most workers units in flight
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{workers: uint(workers)}
}

// Workers returns the concurrency limit
func (p *Pool) Workers() int {
	return int(p.workers)
}

// InFlight returns the number of units currently running
func (p *Pool) InFlight() int {
	sema := p.sema.Load()
	if sema == nil {
		return 0
	}
	return sema.CurrentlyRunning()
}

// Run dispatches every request and hands each result to deliver as soon as
// it completes, from the worker goroutine. deliver must be safe for
// concurrent use. Requests left undispatched after ctx is cancelled are
// delivered with the context error. Run returns once every request has been
// delivered. A Pool runs one batch at a time.
func (p *Pool) Run(ctx context.Context, reqs []tile.Request, work WorkFunc, deliver func(Fetched)) {
	sema := semaphore.NewSemaphore(p.workers)
	p.sema.Store(sema)

	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			deliver(Fetched{Request: req, Err: err})
			continue
		}

		sema.Add()
		go func(req tile.Request) {
			defer sema.Done()

			img, attempts, err := work(ctx, req)
			deliver(Fetched{Request: req, Image: img, Attempts: attempts, Err: err})
		}(req)
	}

	sema.Wait()
}
