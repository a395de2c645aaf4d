package tile

import "image"

// Grid lays out the regions for a geometry in row-major order.
// An untiled geometry yields a single request covering the whole image.
func Grid(g Geometry) []Request {
	if !g.Tiled || g.TileWidth <= 0 || g.TileHeight <= 0 {
		return []Request{{Region: g.Bounds()}}
	}

	cols, rows := g.Columns(), g.Rows()
	reqs := make([]Request, 0, cols*rows)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x := c * g.TileWidth
			y := r * g.TileHeight
			w := min(g.TileWidth, g.Width-x)
			h := min(g.TileHeight, g.Height-y)

			reqs = append(reqs, Request{
				Coord:  Coord{Col: c, Row: r},
				Region: image.Rect(x, y, x+w, y+h),
			})
		}
	}

	return reqs
}
