package stitch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/internal/scrape"
	"github.com/kiesman99/iiif-stitch/internal/stitcher"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
)

// Options configures a CLI run
type Options struct {
	OutputDir string
	Stitcher  stitcher.Options
}

// Summary counts the outcomes of a run
type Summary struct {
	Completed int
	WithGaps  int
	Failed    int
	Files     []string
}

// Stitcher handles the main stitching logic for the command line
type Stitcher struct {
	options *Options
	logger  *logpkg.Logger
	core    *stitcher.Stitcher
	writer  *Writer
	client  *http.Client
}

// NewStitcher creates a new stitcher instance
func NewStitcher(opts *Options, logger *logpkg.Logger) *Stitcher {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Stitcher.Progress == nil {
		opts.Stitcher.Progress = progressLogger(logger)
	}

	client := opts.Stitcher.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Stitcher.Timeout}
		opts.Stitcher.Client = client
	}

	return &Stitcher{
		options: opts,
		logger:  logger,
		core:    stitcher.New(opts.Stitcher, logger),
		writer:  &Writer{Dir: opts.OutputDir},
		client:  client,
	}
}

// StitchPage finds the tile sources of an OpenSeadragon page and stitches each one
func (s *Stitcher) StitchPage(ctx context.Context, pageURL string) (*Summary, error) {
	s.logger.Info("fetching page: %s", pageURL)
	page, err := scrape.FetchPage(ctx, s.client, pageURL, s.options.Stitcher.UserAgent)
	if err != nil {
		return nil, err
	}

	urls, err := scrape.ExtractTileSources(pageURL, page)
	if err != nil {
		return nil, err
	}
	s.logger.Info("found %d tile source(s)", len(urls))

	if len(urls) == 0 {
		return nil, fmt.Errorf("no IIIF tile sources found in the page")
	}

	return s.StitchSources(ctx, urls)
}

// StitchSources stitches explicit tile source URLs and writes one PNG per source
func (s *Stitcher) StitchSources(ctx context.Context, urls []string) (*Summary, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no tile sources provided")
	}

	var sources []tile.Source
	summary := &Summary{}
	for i, u := range urls {
		src, err := tile.ParseSource(i+1, u)
		if err != nil {
			s.logger.Warn("skipping tile source %d: %v", i+1, err)
			summary.Failed++
			continue
		}
		sources = append(sources, src)
	}

	for _, result := range s.core.StitchAll(ctx, sources) {
		if result.Status == stitcher.StatusFailed {
			s.logger.Warn("skipping image %d due to errors: %s", result.Source.Index, result.Reason())
			summary.Failed++
			continue
		}

		path, size, err := s.writer.Write(result)
		if err != nil {
			s.logger.Error("failed to save image %d: %v", result.Source.Index, err)
			summary.Failed++
			continue
		}
		summary.Files = append(summary.Files, path)
		s.logger.Info("saved: %s (%dx%d, %s)", path, result.Image.Bounds().Dx(), result.Image.Bounds().Dy(), humanize.Bytes(uint64(size)))

		if result.Warnings > 0 {
			s.logger.Warn("%s: %d tile(s) had unexpected dimensions and were clipped", path, result.Warnings)
		}
		if result.Status == stitcher.StatusCompletedWithGaps {
			s.logger.Warn("%s has %d missing tile(s): %v", path, len(result.Missing), result.Missing)
			summary.WithGaps++
		} else {
			summary.Completed++
		}
	}

	s.logger.Info("completed: %d ok, %d with gaps, %d failed; images saved to %s",
		summary.Completed, summary.WithGaps, summary.Failed, s.options.OutputDir)

	if summary.Completed+summary.WithGaps == 0 {
		return summary, fmt.Errorf("no images could be stitched")
	}
	return summary, nil
}

func progressLogger(logger *logpkg.Logger) func(tile.Source, int, int) {
	return func(src tile.Source, done, total int) {
		if total <= 1 {
			return
		}
		// log roughly every 10% to keep large grids readable
		step := total / 10
		if step == 0 || done%step == 0 || done == total {
			logger.Info("%s: %.2f%% (%d/%d tiles)", src.Name, float64(done)/float64(total)*100, done, total)
		}
	}
}
