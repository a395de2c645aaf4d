package stitcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/internal/iiif"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
)

// Status is the outcome of one source
type Status int

const (
	StatusCompleted Status = iota
	StatusCompletedWithGaps
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCompletedWithGaps:
		return "completed_with_gaps"
	default:
		return "failed"
	}
}

// Options contains all stitching parameters. DefaultOptions returns the
// documented defaults; Retries and Backoff are used as given.
type Options struct {
	Workers         int
	Retries         int
	Backoff         time.Duration
	Timeout         time.Duration
	TileThreshold   int
	DefaultTileSize int
	MaxPixels       int
	MaxTiles        int
	Quality         string
	Format          string
	UserAgent       string
	Headers         map[string]string
	Background      color.Color
	Client          *http.Client

	// Progress is called after each region of a source completes
	Progress func(src tile.Source, done, total int)
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		Workers:         DefaultWorkers,
		Retries:         tile.DefaultRetries,
		Backoff:         tile.DefaultBackoff,
		Timeout:         tile.DefaultTimeout,
		TileThreshold:   iiif.DefaultTileThreshold,
		DefaultTileSize: iiif.DefaultTileSize,
		MaxPixels:       iiif.DefaultMaxPixels,
		MaxTiles:        iiif.DefaultMaxTiles,
		Quality:         iiif.DefaultQuality,
		Format:          iiif.DefaultFormat,
		UserAgent:       tile.DefaultUserAgent,
		Background:      color.White,
	}
}

// FailedTile represents a region that could not be fetched
type FailedTile struct {
	Coord    tile.Coord
	URL      string
	Attempts int
	Error    string
}

// Result contains the outcome of one source
type Result struct {
	Source   tile.Source
	Geometry tile.Geometry
	Image    *image.NRGBA
	Status   Status
	Missing  []tile.Coord
	Failures []FailedTile
	Warnings int
	Err      error
	Tiles    int
	Fetched  int
}

// Stitcher resolves, fetches and composites tile sources
type Stitcher struct {
	opts      Options
	logger    *logpkg.Logger
	processor *tile.Processor
	resolver  *iiif.Resolver
}

// New creates a new stitcher instance
func New(opts Options, logger *logpkg.Logger) *Stitcher {
	if logger == nil {
		logger = logpkg.NewLogger(io.Discard, logpkg.LogLevelError)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Background == nil {
		opts.Background = color.White
	}

	processor := tile.NewProcessor(tile.ProcessorOptions{
		UserAgent: opts.UserAgent,
		Headers:   opts.Headers,
		Timeout:   opts.Timeout,
		Retries:   opts.Retries,
		Backoff:   opts.Backoff,
		Client:    opts.Client,
	})

	resolver := iiif.NewResolver(processor, logger, iiif.ResolverOptions{
		DefaultTileSize: opts.DefaultTileSize,
		TileThreshold:   opts.TileThreshold,
		MaxPixels:       opts.MaxPixels,
		MaxTiles:        opts.MaxTiles,
		Quality:         opts.Quality,
		Format:          opts.Format,
	})

	return &Stitcher{
		opts:      opts,
		logger:    logger,
		processor: processor,
		resolver:  resolver,
	}
}

// StitchAll processes sources one after another. A failing source never
// prevents the others from being processed.
func (s *Stitcher) StitchAll(ctx context.Context, sources []tile.Source) []*Result {
	results := make([]*Result, 0, len(sources))
	for i, src := range sources {
		s.logger.Info("processing image %d/%d: %s", i+1, len(sources), src.URL)
		results = append(results, s.Stitch(ctx, src))
	}
	return results
}

// Stitch drives one source end to end
func (s *Stitcher) Stitch(ctx context.Context, src tile.Source) *Result {
	result := &Result{Source: src}

	geom, err := s.resolver.Resolve(ctx, src)
	if err != nil {
		s.logger.Error("failed to resolve %s: %v", src.URL, err)
		return result.fail(err)
	}
	result.Geometry = geom

	reqs := s.resolver.Plan(src, geom)
	result.Tiles = len(reqs)

	if !geom.Known() {
		return s.stitchDirect(ctx, result, reqs[0])
	}

	if geom.Tiled {
		s.logger.Info("downloading tiled image (%dx%d, tile size: %dx%d, grid: %dx%d, %d tiles)",
			geom.Width, geom.Height, geom.TileWidth, geom.TileHeight, geom.Columns(), geom.Rows(), len(reqs))
	} else {
		s.logger.Info("downloading full image (%dx%d)", geom.Width, geom.Height)
	}

	canvas := NewCanvas(geom.Width, geom.Height, s.opts.Background, s.logger)

	var mu sync.Mutex
	done := 0
	pool := NewPool(s.opts.Workers)
	pool.Run(ctx, reqs, s.fetch, func(f Fetched) {
		var warning error
		if f.Err == nil {
			warning = canvas.Paste(f.Request, f.Image.(*image.NRGBA))
		}

		mu.Lock()
		defer mu.Unlock()

		done++
		s.record(result, f, warning)
		if s.opts.Progress != nil {
			s.opts.Progress(src, done, len(reqs))
		}
	})

	result.Image = canvas.Finish()
	return s.finalize(result)
}

// fetch downloads and decodes one region. Normalizing to NRGBA happens
// here so the canvas lock only covers the row copies.
func (s *Stitcher) fetch(ctx context.Context, req tile.Request) (image.Image, int, error) {
	img, attempts, err := s.processor.Fetch(ctx, req.URL)
	if err != nil {
		return nil, attempts, err
	}
	return Prepare(img), attempts, nil
}

func (s *Stitcher) stitchDirect(ctx context.Context, result *Result, req tile.Request) *Result {
	s.logger.Info("downloading direct image: %s", req.URL)

	img, attempts, err := s.fetch(ctx, req)
	if err != nil {
		s.record(result, Fetched{Request: req, Attempts: attempts, Err: err}, nil)
		return result.fail(err)
	}

	nrgba := img.(*image.NRGBA)
	size := nrgba.Bounds().Size()
	req.Region = image.Rect(0, 0, size.X, size.Y)
	result.Geometry.Width, result.Geometry.Height = size.X, size.Y

	canvas := NewCanvas(size.X, size.Y, s.opts.Background, s.logger)
	warning := canvas.Paste(req, nrgba)
	s.record(result, Fetched{Request: req, Image: nrgba, Attempts: attempts}, warning)
	if s.opts.Progress != nil {
		s.opts.Progress(result.Source, 1, 1)
	}

	result.Image = canvas.Finish()
	return s.finalize(result)
}

// record must be called with the result guarded
func (s *Stitcher) record(result *Result, f Fetched, warning error) {
	if warning != nil {
		result.Warnings++
	}
	if f.Err == nil {
		result.Fetched++
		s.logger.Debug("tile %s ok after %d attempt(s): %s", f.Request.Coord, f.Attempts, f.Request.URL)
		return
	}

	s.logger.Warn("failed to download tile %s: %v", f.Request.Coord, f.Err)
	result.Missing = append(result.Missing, f.Request.Coord)
	result.Failures = append(result.Failures, FailedTile{
		Coord:    f.Request.Coord,
		URL:      f.Request.URL,
		Attempts: f.Attempts,
		Error:    f.Err.Error(),
	})
}

func (s *Stitcher) finalize(result *Result) *Result {
	sort.Slice(result.Missing, func(i, j int) bool {
		a, b := result.Missing[i], result.Missing[j]
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	sort.Slice(result.Failures, func(i, j int) bool {
		a, b := result.Failures[i].Coord, result.Failures[j].Coord
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})

	// A tiled source keeps its canvas even when every tile is missing;
	// a single-region source has nothing to show.
	switch {
	case result.Fetched == 0 && result.Tiles <= 1:
		result.Image = nil
		return result.fail(errors.New("image could not be downloaded"))
	case len(result.Missing) > 0:
		result.Status = StatusCompletedWithGaps
		s.logger.Warn("%d of %d tiles failed to download for %s", len(result.Missing), result.Tiles, result.Source.URL)
	default:
		result.Status = StatusCompleted
	}

	return result
}

func (r *Result) fail(err error) *Result {
	r.Status = StatusFailed
	r.Err = err
	return r
}

// Reason returns a human readable failure reason, empty unless failed
func (r *Result) Reason() string {
	if r.Status != StatusFailed || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// String summarises the outcome
func (r *Result) String() string {
	switch r.Status {
	case StatusFailed:
		return fmt.Sprintf("%s: failed: %v", r.Source.Name, r.Err)
	case StatusCompletedWithGaps:
		return fmt.Sprintf("%s: %dx%d, %d/%d tiles, missing %v",
			r.Source.Name, r.Geometry.Width, r.Geometry.Height, r.Fetched, r.Tiles, r.Missing)
	default:
		return fmt.Sprintf("%s: %dx%d, %d tiles", r.Source.Name, r.Geometry.Width, r.Geometry.Height, r.Tiles)
	}
}
