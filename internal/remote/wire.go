package remote

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/danmuck/gfxqueue/internal/bufferqueue"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/protocol/schema"
	"github.com/danmuck/gfxqueue/internal/protocol/tlv"
	"github.com/gogpu/gputypes"
)

const (
	fenceRefLen = 16
	cropLen     = 16
)

// fenceRef is a fence as seen on the wire: the sender's id and its signal
// time, fence.Pending while unsignaled. Id 0 is the no-op fence.
type fenceRef struct {
	ID uint64
	At int64
}

func encodeFenceRefs(refs ...fenceRef) []byte {
	buf := make([]byte, len(refs)*fenceRefLen)
	for i, r := range refs {
		off := i * fenceRefLen
		binary.BigEndian.PutUint64(buf[off:off+8], r.ID)
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(r.At))
	}
	return buf
}

func decodeFenceRefs(b []byte) ([]fenceRef, error) {
	if len(b)%fenceRefLen != 0 {
		return nil, fmt.Errorf("%w: fence list length %d", ErrBadRequest, len(b))
	}
	refs := make([]fenceRef, 0, len(b)/fenceRefLen)
	for off := 0; off < len(b); off += fenceRefLen {
		refs = append(refs, fenceRef{
			ID: binary.BigEndian.Uint64(b[off : off+8]),
			At: int64(binary.BigEndian.Uint64(b[off+8 : off+16])),
		})
	}
	return refs, nil
}

func decodeFenceRef(b []byte) (fenceRef, error) {
	if len(b) != fenceRefLen {
		return fenceRef{}, fmt.Errorf("%w: fence length %d", ErrBadRequest, len(b))
	}
	refs, err := decodeFenceRefs(b)
	if err != nil {
		return fenceRef{}, err
	}
	return refs[0], nil
}

func encodeCrop(r image.Rectangle) []byte {
	buf := make([]byte, cropLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(r.Min.X)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(r.Min.Y)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(int32(r.Max.X)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(int32(r.Max.Y)))
	return buf
}

func decodeCrop(b []byte) (image.Rectangle, error) {
	if len(b) != cropLen {
		return image.Rectangle{}, fmt.Errorf("%w: crop length %d", ErrBadRequest, len(b))
	}
	v := func(off int) int { return int(int32(binary.BigEndian.Uint32(b[off : off+4]))) }
	return image.Rect(v(0), v(4), v(8), v(12)), nil
}

// fieldReader pulls typed values out of a decoded payload and keeps the first
// error.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) get(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		r.err = fmt.Errorf("%w: missing field %d", ErrProtocol, id)
	}
	return f, ok
}

func (r *fieldReader) u32(id uint16) uint32 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	r.err = err
	return v
}

func (r *fieldReader) u64(id uint16) uint64 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	r.err = err
	return v
}

func (r *fieldReader) i64(id uint16) int64 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.AsI64()
	r.err = err
	return v
}

func (r *fieldReader) boolean(id uint16) bool {
	f, ok := r.get(id)
	if !ok {
		return false
	}
	v, err := f.AsBool()
	r.err = err
	return v
}

func (r *fieldReader) str(id uint16) string {
	f, ok := r.get(id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	r.err = err
	return v
}

func (r *fieldReader) bytes(id uint16) []byte {
	f, ok := r.get(id)
	if !ok {
		return nil
	}
	v, err := f.AsBytes()
	r.err = err
	return v
}

// optionalStr reads a string field that may be absent.
func (r *fieldReader) optionalStr(id uint16) string {
	if _, ok := tlv.GetField(r.fields, id); !ok {
		return ""
	}
	return r.str(id)
}

func bufferFields(b *gfx.Buffer) []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldBufferID, b.ID),
		tlv.U32(schema.FieldWidth, b.Width),
		tlv.U32(schema.FieldHeight, b.Height),
		tlv.U32(schema.FieldStride, b.Stride),
		tlv.U32(schema.FieldFormat, uint32(b.Format)),
		tlv.U32(schema.FieldUsage, uint32(b.Usage)),
	}
}

func readBuffer(r *fieldReader) *gfx.Buffer {
	b := &gfx.Buffer{
		ID:     r.u64(schema.FieldBufferID),
		Width:  r.u32(schema.FieldWidth),
		Height: r.u32(schema.FieldHeight),
		Stride: r.u32(schema.FieldStride),
		Format: gputypes.TextureFormat(r.u32(schema.FieldFormat)),
		Usage:  gputypes.TextureUsage(r.u32(schema.FieldUsage)),
	}
	if r.err != nil {
		return nil
	}
	return b
}

func outputFields(out bufferqueue.QueueBufferOutput) []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldOutWidth, out.Width),
		tlv.U32(schema.FieldOutHeight, out.Height),
		tlv.U32(schema.FieldOutTransformHint, uint32(out.TransformHint)),
		tlv.U32(schema.FieldOutNumPending, out.NumPendingBuffers),
	}
}

func readOutput(r *fieldReader) bufferqueue.QueueBufferOutput {
	return bufferqueue.QueueBufferOutput{
		Width:             r.u32(schema.FieldOutWidth),
		Height:            r.u32(schema.FieldOutHeight),
		TransformHint:     bufferqueue.Transform(r.u32(schema.FieldOutTransformHint)),
		NumPendingBuffers: r.u32(schema.FieldOutNumPending),
	}
}
