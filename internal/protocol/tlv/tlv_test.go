package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		{ID: 1, Type: TypeString, Value: []byte("queue-main")},
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsRejectsDuplicateID(t *testing.T) {
	payload := EncodeFields([]Field{String(1, "main"), String(1, "overlay")})
	if _, err := DecodeFields(payload); !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("expected ErrDuplicateField, got %v", err)
	}
}

func TestDecodeFieldsEmptyPayload(t *testing.T) {
	out, err := DecodeFields(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected no fields, got %v, %v", out, err)
	}
}

func TestDecodeFieldsCopiesValues(t *testing.T) {
	payload := EncodeFields([]Field{Bytes(3, []byte{1, 2})})
	out, err := DecodeFields(payload)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	payload[HeaderLen] = 9
	if out[0].Value[0] != 1 {
		t.Fatalf("expected value detached from payload, got %v", out[0].Value)
	}
}

func TestTypedValuesRoundTrip(t *testing.T) {
	fields := []Field{
		U8(1, 7),
		U16(2, 0xBEEF),
		U32(3, 1<<31),
		U64(4, 1<<40),
		I32(5, -12),
		I64(6, -1),
		Bool(7, true),
		String(8, "main"),
		Bytes(9, []byte{1, 2}),
	}
	out, err := DecodeFields(EncodeFields(fields))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if v, err := out[0].AsU8(); err != nil || v != 7 {
		t.Fatalf("u8: %v %v", v, err)
	}
	if v, err := out[1].AsU16(); err != nil || v != 0xBEEF {
		t.Fatalf("u16: %v %v", v, err)
	}
	if v, err := out[2].AsU32(); err != nil || v != 1<<31 {
		t.Fatalf("u32: %v %v", v, err)
	}
	if v, err := out[3].AsU64(); err != nil || v != 1<<40 {
		t.Fatalf("u64: %v %v", v, err)
	}
	if v, err := out[4].AsI32(); err != nil || v != -12 {
		t.Fatalf("i32: %v %v", v, err)
	}
	if v, err := out[5].AsI64(); err != nil || v != -1 {
		t.Fatalf("i64: %v %v", v, err)
	}
	if v, err := out[6].AsBool(); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if v, err := out[7].AsString(); err != nil || v != "main" {
		t.Fatalf("string: %v %v", v, err)
	}
	if v, err := out[8].AsBytes(); err != nil || !bytes.Equal(v, []byte{1, 2}) {
		t.Fatalf("bytes: %v %v", v, err)
	}
}

func TestTypedAccessorsRejectMismatch(t *testing.T) {
	if _, err := U32(1, 5).AsU64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 1, Type: TypeU32, Value: []byte{1, 2}}
	if _, err := bad.AsU32(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := (Field{ID: 2, Type: TypeBool, Value: []byte{2}}).AsBool(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for bool 2, got %v", err)
	}
}
