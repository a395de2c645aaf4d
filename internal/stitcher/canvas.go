package stitcher

import (
	"errors"
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
)

// ErrCanvasFinished is returned when pasting into a finished canvas
var ErrCanvasFinished = errors.New("canvas already finished")

// Canvas is the output bitmap of one source. Pastes are serialized; Prepare
// may run concurrently from any number of workers.
type Canvas struct {
	mu       sync.Mutex
	img      *image.NRGBA
	finished bool
	logger   *logpkg.Logger
}

// NewCanvas allocates a w x h canvas filled with background
func NewCanvas(w, h int, background color.Color, logger *logpkg.Logger) *Canvas {
	if background == nil {
		background = color.White
	}
	return &Canvas{
		img:    imaging.New(w, h, background),
		logger: logger,
	}
}

// Prepare converts a decoded region to NRGBA with origin (0,0)
func Prepare(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Bounds().Min == (image.Point{}) {
		return nrgba
	}
	return imaging.Clone(img)
}

// Paste copies src into the canvas at req.Region. Pixels outside the planned
// region or the canvas are dropped. A size mismatch is reported as a
// *tile.CompositingWarning but the overlapping part is still pasted.
func (c *Canvas) Paste(req tile.Request, src *image.NRGBA) error {
	var warning error
	got := src.Bounds().Size()
	if want := req.Region.Size(); got != want {
		warning = &tile.CompositingWarning{Coord: req.Coord, Expected: want, Got: got}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return ErrCanvasFinished
	}

	dst := image.Rectangle{Min: req.Region.Min, Max: req.Region.Min.Add(got)}.
		Intersect(req.Region).
		Intersect(c.img.Bounds())

	rowLen := dst.Dx() * 4
	for y := dst.Min.Y; y < dst.Max.Y; y++ {
		srcOff := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y-req.Region.Min.Y)
		dstOff := c.img.PixOffset(dst.Min.X, y)
		copy(c.img.Pix[dstOff:dstOff+rowLen], src.Pix[srcOff:srcOff+rowLen])
	}

	if warning != nil && c.logger != nil {
		c.logger.Warn("%v, clipped to %v", warning, dst)
	}

	return warning
}

// Finish makes the canvas read-only and returns the image
func (c *Canvas) Finish() *image.NRGBA {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished = true
	return c.img
}
