// Package gfx defines graphics buffer handles and the allocator contract the
// buffer queue allocates through.
package gfx

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
)

var (
	ErrOutOfMemory       = errors.New("gfx: out of memory")
	ErrInvalidDimensions = errors.New("gfx: invalid dimensions")
	ErrUnsupportedFormat = errors.New("gfx: unsupported format")
	ErrNoPixels          = errors.New("gfx: buffer has no mapped pixels")
)

// Buffer is an allocated graphics buffer. Pixels is nil for handles that only
// describe a buffer owned by another process.
type Buffer struct {
	ID     uint64
	Width  uint32
	Height uint32
	Stride uint32 // in pixels
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
	Pixels []byte
}

// Bounds returns the buffer rectangle anchored at the origin.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(b.Width), int(b.Height))
}

// Matches reports whether b can be reused for a request with the given
// parameters: same size and format, and usage a superset of the requested bits.
func (b *Buffer) Matches(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	if b == nil {
		return false
	}
	return b.Width == width &&
		b.Height == height &&
		b.Format == format &&
		b.Usage&usage == usage
}

// SizeBytes is the backing store size of the buffer.
func (b *Buffer) SizeBytes() uint64 {
	bpp, err := BytesPerPixel(b.Format)
	if err != nil {
		return 0
	}
	return uint64(b.Stride) * uint64(b.Height) * uint64(bpp)
}

// RGBA exposes the pixels of a 4-byte-per-pixel buffer as an image.RGBA sharing
// the backing store. Channel order is not swizzled for BGRA buffers.
func (b *Buffer) RGBA() (*image.RGBA, error) {
	if b.Pixels == nil {
		return nil, ErrNoPixels
	}
	switch b.Format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
	default:
		return nil, fmt.Errorf("%w: rgba view of format %v", ErrUnsupportedFormat, b.Format)
	}
	return &image.RGBA{
		Pix:    b.Pixels,
		Stride: int(b.Stride) * 4,
		Rect:   b.Bounds(),
	}, nil
}

func (b *Buffer) String() string {
	if b == nil {
		return "buffer(nil)"
	}
	return fmt.Sprintf("buffer(id=%d %dx%d stride=%d format=%v usage=%#x)",
		b.ID, b.Width, b.Height, b.Stride, b.Format, uint32(b.Usage))
}

// BytesPerPixel returns the storage size of one pixel in the given format.
func BytesPerPixel(format gputypes.TextureFormat) (int, error) {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4, nil
	case gputypes.TextureFormatDepth24PlusStencil8:
		return 4, nil
	case gputypes.TextureFormatR8Unorm:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
}
