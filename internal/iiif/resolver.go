package iiif

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
)

const (
	// DefaultTileSize is used when info.json lists tiles without a width
	DefaultTileSize = 1024
	// DefaultTileThreshold is the largest dimension below which the whole
	// image is requested at once
	DefaultTileThreshold = 2000
	DefaultQuality       = "default"
	DefaultFormat        = "jpg"
	// DefaultMaxPixels bounds the canvas of one source (2 GiB as NRGBA)
	DefaultMaxPixels = 1 << 29
	// DefaultMaxTiles bounds the number of regions planned for one source
	DefaultMaxTiles = 1 << 16
)

// Getter retrieves raw bytes for a URL
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// ResolverOptions configures geometry resolution and URL building
type ResolverOptions struct {
	DefaultTileSize int
	TileThreshold   int
	Quality         string
	Format          string
	MaxPixels       int
	MaxTiles        int
}

// Resolver turns tile sources into geometries and region requests
type Resolver struct {
	getter Getter
	logger *logpkg.Logger
	opts   ResolverOptions
}

// NewResolver creates a resolver fetching metadata through getter
func NewResolver(getter Getter, logger *logpkg.Logger, opts ResolverOptions) *Resolver {
	if opts.DefaultTileSize <= 0 {
		opts.DefaultTileSize = DefaultTileSize
	}
	if opts.TileThreshold <= 0 {
		opts.TileThreshold = DefaultTileThreshold
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = DefaultMaxTiles
	}
	if opts.Quality == "" {
		opts.Quality = DefaultQuality
	}
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if logger == nil {
		logger = logpkg.NewLogger(io.Discard, logpkg.LogLevelError)
	}
	return &Resolver{getter: getter, logger: logger, opts: opts}
}

// Resolve fetches a source's metadata and computes its geometry.
// Direct images resolve without any request to a geometry of unknown size.
func (r *Resolver) Resolve(ctx context.Context, src tile.Source) (tile.Geometry, error) {
	if src.Kind == tile.KindDirectImage {
		return tile.Geometry{BaseURL: src.URL}, nil
	}

	r.logger.Debug("fetching IIIF metadata: %s", src.URL)
	data, err := r.getter.Get(ctx, src.URL)
	if err != nil {
		return tile.Geometry{}, &tile.MetadataError{URL: src.URL, Err: err}
	}

	info, err := ParseInfo(data)
	if err != nil {
		return tile.Geometry{}, &tile.MetadataError{URL: src.URL, Err: err}
	}

	if err := info.checkSize(r.opts.MaxPixels); err != nil {
		return tile.Geometry{}, &tile.MetadataError{URL: src.URL, Err: err}
	}

	g := r.geometry(src, info)
	if g.Tiled && g.Columns()*g.Rows() > r.opts.MaxTiles {
		return tile.Geometry{}, &tile.MetadataError{URL: src.URL, Err: fmt.Errorf(
			"tile grid of %dx%d exceeds the limit of %d tiles", g.Columns(), g.Rows(), r.opts.MaxTiles)}
	}

	r.logger.Debug("resolved %s: %dx%d, service %s", src.URL, g.Width, g.Height, info.Identifier())
	return g, nil
}

func (r *Resolver) geometry(src tile.Source, info *Info) tile.Geometry {
	g := tile.Geometry{
		Width:        info.Width,
		Height:       info.Height,
		TileWidth:    r.opts.DefaultTileSize,
		TileHeight:   r.opts.DefaultTileSize,
		ScaleFactors: []int{1},
		BaseURL:      BaseURL(src.URL),
	}

	if best, ok := info.largestTile(); ok {
		g.TileWidth = min(best.Width, g.Width)
		g.TileHeight = min(best.Height, g.Height)
		if len(best.ScaleFactors) > 0 {
			g.ScaleFactors = append([]int(nil), best.ScaleFactors...)
		}
	}

	g.Tiled = len(info.Tiles) > 0 && max(g.Width, g.Height) >= r.opts.TileThreshold
	return g
}

// Plan returns the region requests for a resolved source, with URLs attached
func (r *Resolver) Plan(src tile.Source, g tile.Geometry) []tile.Request {
	reqs := tile.Grid(g)

	for i := range reqs {
		reqs[i].Source = src.Index
		switch {
		case src.Kind == tile.KindDirectImage:
			reqs[i].URL = src.URL
		case g.Tiled:
			reqs[i].URL = RegionURL(g.BaseURL, reqs[i].Region.Min.X, reqs[i].Region.Min.Y,
				reqs[i].Region.Dx(), reqs[i].Region.Dy(), r.opts.Quality, r.opts.Format)
		default:
			reqs[i].URL = FullURL(g.BaseURL, r.opts.Quality, r.opts.Format)
		}
	}

	return reqs
}

// BaseURL strips the trailing info.json from a metadata URL
func BaseURL(infoURL string) string {
	base := strings.TrimSuffix(infoURL, "/info.json")
	return strings.TrimSuffix(base, "/")
}

// RegionURL builds {base}/{x},{y},{w},{h}/full/0/{quality}.{format}
func RegionURL(base string, x, y, w, h int, quality, format string) string {
	return fmt.Sprintf("%s/%d,%d,%d,%d/full/0/%s.%s", base, x, y, w, h, quality, format)
}

// FullURL builds {base}/full/full/0/{quality}.{format}
func FullURL(base, quality, format string) string {
	return fmt.Sprintf("%s/full/full/0/%s.%s", base, quality, format)
}
