// Package pattern paints test frames into software buffers so a producer has
// something visible to queue.
package pattern

import (
	"image"
	"image/color"

	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/gogpu/gputypes"
	xdraw "golang.org/x/image/draw"
)

// Bars are the eight columns of the reference tile, left to right.
var Bars = []color.RGBA{
	{R: 0xC0, G: 0xC0, B: 0xC0, A: 0xFF},
	{R: 0xC0, G: 0xC0, B: 0x00, A: 0xFF},
	{R: 0x00, G: 0xC0, B: 0xC0, A: 0xFF},
	{R: 0x00, G: 0xC0, B: 0x00, A: 0xFF},
	{R: 0xC0, G: 0x00, B: 0xC0, A: 0xFF},
	{R: 0xC0, G: 0x00, B: 0x00, A: 0xFF},
	{R: 0x00, G: 0x00, B: 0xC0, A: 0xFF},
	{R: 0x10, G: 0x10, B: 0x10, A: 0xFF},
}

// Marker is the color of the column that moves one step per frame.
var Marker = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

var tile = newTile()

func newTile() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, len(Bars), 1))
	for x, c := range Bars {
		img.SetRGBA(x, 0, c)
	}
	return img
}

// Fill scales the color bars over the whole buffer and draws the marker column
// at frame modulo width. BGRA buffers get their channels swapped so the bars
// read the same on screen.
func Fill(buf *gfx.Buffer, frame uint64) error {
	dst, err := buf.RGBA()
	if err != nil {
		return err
	}
	bounds := dst.Bounds()
	xdraw.NearestNeighbor.Scale(dst, bounds, tile, tile.Bounds(), xdraw.Src, nil)

	x := int(frame % uint64(bounds.Dx()))
	column := image.Rect(x, 0, x+1, bounds.Dy())
	xdraw.Draw(dst, column, image.NewUniform(Marker), image.Point{}, xdraw.Src)

	if buf.Format == gputypes.TextureFormatBGRA8Unorm {
		swapRB(dst)
	}
	return nil
}

func swapRB(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			row[i], row[i+2] = row[i+2], row[i]
		}
	}
}

// BarAt returns the bar color expected at column x of a width-wide buffer.
func BarAt(x, width int) color.RGBA {
	return Bars[x*len(Bars)/width]
}
