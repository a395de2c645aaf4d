package stitch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/kiesman99/iiif-stitch/internal/stitcher"
)

// Writer saves composed images as PNG files in a directory
type Writer struct {
	Dir string
}

// Filename returns the output file name for a source index (1-based)
func Filename(index int) string {
	return fmt.Sprintf("image_%03d.png", index)
}

// Write saves the image of a result and returns its path and size in bytes
func (w *Writer) Write(result *stitcher.Result) (string, int64, error) {
	if result.Image == nil {
		return "", 0, fmt.Errorf("%s: no image to write", result.Source.Name)
	}

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create output directory: %w", err)
	}

	outPath := filepath.Join(w.Dir, Filename(result.Source.Index))
	file, err := os.Create(outPath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	if err := imaging.Encode(file, result.Image, imaging.PNG); err != nil {
		return "", 0, fmt.Errorf("failed to write PNG: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		return outPath, 0, err
	}

	return outPath, info.Size(), file.Close()
}
