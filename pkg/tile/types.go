package tile

import (
	"fmt"
	"image"
	"net/url"
	"path"
	"strings"
)

// SourceKind tells how a tile source is retrieved
type SourceKind int

const (
	// KindDirectImage is a plain image URL fetched in one request
	KindDirectImage SourceKind = iota
	// KindIIIFInfo is a IIIF Image API info.json endpoint
	KindIIIFInfo
)

func (k SourceKind) String() string {
	switch k {
	case KindIIIFInfo:
		return "iiif"
	default:
		return "image"
	}
}

// Source is one image to reconstruct
type Source struct {
	Index int
	Name  string
	URL   string
	Kind  SourceKind
}

// ParseSource classifies a raw tile source URL
func ParseSource(index int, raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("empty tile source")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("invalid tile source %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Source{}, fmt.Errorf("tile source %q must be an http(s) URL", raw)
	}

	kind := KindDirectImage
	if path.Base(u.Path) == "info.json" {
		kind = KindIIIFInfo
	}

	return Source{
		Index: index,
		Name:  fmt.Sprintf("image_%03d", index),
		URL:   raw,
		Kind:  kind,
	}, nil
}

// Geometry is the tiling plan for one source.
// A zero Width/Height means the size is only known after decoding (direct images).
type Geometry struct {
	Width        int
	Height       int
	TileWidth    int
	TileHeight   int
	ScaleFactors []int
	Tiled        bool
	BaseURL      string
}

// Columns returns the number of tile columns
func (g Geometry) Columns() int {
	if !g.Tiled {
		return 1
	}
	return ceilDiv(g.Width, g.TileWidth)
}

// Rows returns the number of tile rows
func (g Geometry) Rows() int {
	if !g.Tiled {
		return 1
	}
	return ceilDiv(g.Height, g.TileHeight)
}

// Bounds returns the full image rectangle
func (g Geometry) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

// Known reports whether the full image size is known before fetching
func (g Geometry) Known() bool {
	return g.Width > 0 && g.Height > 0
}

// Coord identifies a tile in the grid
type Coord struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Col, c.Row)
}

// Request is one region to fetch and paste
type Request struct {
	Source int
	Coord
	Region image.Rectangle
	URL    string
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	n := a / b
	if a%b != 0 {
		n++
	}
	return n
}
