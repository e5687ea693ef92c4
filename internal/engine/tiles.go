package engine

import "compositor/internal/raster"

// Tiles splits a width x height grid into tileW x tileH windows in row-major
// order. Tiles on the last row and column are clipped to the edge.
func Tiles(width, height, tileW, tileH int) []raster.Window {
	if width <= 0 || height <= 0 {
		return nil
	}
	if tileW <= 0 || tileW > width {
		tileW = width
	}
	if tileH <= 0 || tileH > height {
		tileH = height
	}

	cols := (width + tileW - 1) / tileW
	rows := (height + tileH - 1) / tileH
	tiles := make([]raster.Window, 0, cols*rows)
	for y := 0; y < height; y += tileH {
		h := min(tileH, height-y)
		for x := 0; x < width; x += tileW {
			tiles = append(tiles, raster.Window{XOff: x, YOff: y, Width: min(tileW, width-x), Height: h})
		}
	}
	return tiles
}
