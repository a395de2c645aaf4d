// Package iiif resolves IIIF Image API metadata into tiling plans and
// builds region URLs.
package iiif

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TileInfo describes one entry of the "tiles" array of info.json
type TileInfo struct {
	Width        int   `json:"width"`
	Height       int   `json:"height,omitempty"`
	ScaleFactors []int `json:"scaleFactors,omitempty"`
}

// Size is an entry of the "sizes" array
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Info is the subset of an info.json document we rely on.
// Both Image API 2 (@id) and 3 (id) identifiers are accepted.
type Info struct {
	Context  interface{}     `json:"@context,omitempty"`
	LegacyID string          `json:"@id,omitempty"`
	ID       string          `json:"id,omitempty"`
	Protocol string          `json:"protocol,omitempty"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Sizes    []Size          `json:"sizes,omitempty"`
	Tiles    []TileInfo      `json:"tiles,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
}

// Identifier returns the image service base URI advertised by the server
func (i *Info) Identifier() string {
	if i.ID != "" {
		return i.ID
	}
	return i.LegacyID
}

// ParseInfo decodes and validates an info.json document
func ParseInfo(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.New("missing or invalid width/height")
	}
	return &info, nil
}

// checkSize rejects images whose pixel count exceeds maxPixels
func (i *Info) checkSize(maxPixels int) error {
	if i.Width > maxPixels/i.Height {
		return fmt.Errorf("image of %dx%d exceeds the limit of %d pixels", i.Width, i.Height, maxPixels)
	}
	return nil
}

// largestTile returns the tile entry with the largest area.
// A missing height means square tiles.
func (i *Info) largestTile() (TileInfo, bool) {
	var best TileInfo
	found := false

	for _, t := range i.Tiles {
		if t.Width <= 0 {
			continue
		}
		if t.Height <= 0 {
			t.Height = t.Width
		}
		if !found || t.Width*t.Height > best.Width*best.Height {
			best = t
			found = true
		}
	}

	return best, found
}
