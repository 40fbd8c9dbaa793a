package gfx

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// MaxDimension bounds buffer width and height. It keeps the aligned stride
// and the byte size well inside their integer types.
const MaxDimension = 16384

// Allocator creates graphics buffers.
type Allocator interface {
	Allocate(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (*Buffer, error)
}

// Freer is implemented by allocators that account for released buffers.
type Freer interface {
	Free(b *Buffer)
}

// MemoryAllocator hands out CPU-backed buffers and enforces a byte budget.
// A zero budget means unlimited.
type MemoryAllocator struct {
	mu     sync.Mutex
	budget uint64
	inUse  uint64
	live   map[uint64]uint64
	nextID atomic.Uint64
}

// NewMemoryAllocator creates an allocator limited to budget bytes.
func NewMemoryAllocator(budget uint64) *MemoryAllocator {
	return &MemoryAllocator{
		budget: budget,
		live:   make(map[uint64]uint64),
	}
}

// Allocate implements Allocator.
func (a *MemoryAllocator) Allocate(width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) (*Buffer, error) {
	if width == 0 || height == 0 || width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d (max %d)", ErrInvalidDimensions, width, height, MaxDimension)
	}
	bpp, err := BytesPerPixel(format)
	if err != nil {
		return nil, err
	}
	stride := alignStride(width)
	size := uint64(stride) * uint64(height) * uint64(bpp)

	a.mu.Lock()
	if a.budget > 0 && a.inUse+size > a.budget {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrOutOfMemory, size, a.inUse, a.budget)
	}
	a.inUse += size
	id := a.nextID.Add(1)
	a.live[id] = size
	a.mu.Unlock()

	return &Buffer{
		ID:     id,
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Usage:  usage,
		Pixels: make([]byte, size),
	}, nil
}

// Free returns the buffer's bytes to the budget. Unknown or already freed
// buffers are ignored.
func (a *MemoryAllocator) Free(b *Buffer) {
	if b == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.live[b.ID]
	if !ok {
		return
	}
	delete(a.live, b.ID)
	a.inUse -= size
}

// InUse reports the bytes currently allocated.
func (a *MemoryAllocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Live reports the number of outstanding buffers.
func (a *MemoryAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// alignStride rounds the row length up to a multiple of 16 pixels.
func alignStride(width uint32) uint32 {
	return (width + 15) &^ 15
}

// ParseFormat maps a config name to a texture format.
func ParseFormat(name string) (gputypes.TextureFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rgba8", "rgba8unorm", "rgba_8888":
		return gputypes.TextureFormatRGBA8Unorm, nil
	case "bgra8", "bgra8unorm", "bgra_8888":
		return gputypes.TextureFormatBGRA8Unorm, nil
	case "r8", "r8unorm":
		return gputypes.TextureFormatR8Unorm, nil
	default:
		return gputypes.TextureFormatUndefined, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// ParseUsage maps config usage names to texture usage bits.
func ParseUsage(names []string) (gputypes.TextureUsage, error) {
	var usage gputypes.TextureUsage
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "copy_src":
			usage |= gputypes.TextureUsageCopySrc
		case "copy_dst":
			usage |= gputypes.TextureUsageCopyDst
		case "texture_binding", "sampled":
			usage |= gputypes.TextureUsageTextureBinding
		case "render_attachment", "render":
			usage |= gputypes.TextureUsageRenderAttachment
		default:
			return 0, fmt.Errorf("gfx: unknown usage %q", name)
		}
	}
	return usage, nil
}
