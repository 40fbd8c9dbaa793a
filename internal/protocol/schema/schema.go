// Package schema lists the message and field ids of the remote producer
// protocol and checks that requests carry the fields their handler reads.
package schema

import (
	"fmt"

	"github.com/danmuck/gfxqueue/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. Responses reuse the request id with frame.FlagIsResponse.
const (
	MsgAttach         uint32 = 1
	MsgRequestBuffer  uint32 = 2
	MsgSetBufferCount uint32 = 3
	MsgDequeueBuffer  uint32 = 4
	MsgQueueBuffer    uint32 = 5
	MsgCancelBuffer   uint32 = 6
	MsgQuery          uint32 = 7
	MsgConnect        uint32 = 8
	MsgDisconnect     uint32 = 9
	MsgFenceSync      uint32 = 10
)

// Field IDs.
const (
	FieldQueueName uint16 = 1
	FieldSessionID uint16 = 2
	FieldAuthToken uint16 = 3

	FieldSlot          uint16 = 10
	FieldBufferCount   uint16 = 11
	FieldWidth         uint16 = 12
	FieldHeight        uint16 = 13
	FieldFormat        uint16 = 14
	FieldUsage         uint16 = 15
	FieldAsync         uint16 = 16
	FieldFlags         uint16 = 17
	FieldFence         uint16 = 18
	FieldTimestamp     uint16 = 20
	FieldAutoTimestamp uint16 = 21
	FieldCrop          uint16 = 22
	FieldScalingMode   uint16 = 23
	FieldTransform     uint16 = 24

	FieldQueryKey        uint16 = 30
	FieldQueryValue      uint16 = 31
	FieldAPI             uint16 = 32
	FieldControlledByApp uint16 = 33

	FieldOutWidth         uint16 = 40
	FieldOutHeight        uint16 = 41
	FieldOutTransformHint uint16 = 42
	FieldOutNumPending    uint16 = 43

	FieldBufferID uint16 = 50
	FieldStride   uint16 = 51

	FieldStatus  uint16 = 60
	FieldMessage uint16 = 61

	FieldFences uint16 = 70
)

// Status codes carried in FieldStatus of every response.
const (
	StatusOK                uint32 = 0
	StatusNotInitialized    uint32 = 1
	StatusInvalidArgument   uint32 = 2
	StatusWouldBlock        uint32 = 3
	StatusOutOfMemory       uint32 = 4
	StatusDeadProducer      uint32 = 5
	StatusUnknown           uint32 = 6
	StatusNoBufferAvailable uint32 = 7
	StatusPresentLater      uint32 = 8
	StatusStaleBufferSlot   uint32 = 9
	StatusQueueNotFound     uint32 = 10
	StatusCanceled          uint32 = 11
	StatusBadRequest        uint32 = 12
	StatusUnauthorized      uint32 = 13
)

var messageNames = map[uint32]string{
	MsgAttach:         "attach",
	MsgRequestBuffer:  "request_buffer",
	MsgSetBufferCount: "set_buffer_count",
	MsgDequeueBuffer:  "dequeue_buffer",
	MsgQueueBuffer:    "queue_buffer",
	MsgCancelBuffer:   "cancel_buffer",
	MsgQuery:          "query",
	MsgConnect:        "connect",
	MsgDisconnect:     "disconnect",
	MsgFenceSync:      "fence_sync",
}

// MessageName returns a stable lowercase name for metrics and logs.
func MessageName(messageType uint32) string {
	if name, ok := messageNames[messageType]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", messageType)
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgAttach: {
		{FieldQueueName, tlv.TypeString},
	},
	MsgRequestBuffer: {
		{FieldSlot, tlv.TypeU32},
	},
	MsgSetBufferCount: {
		{FieldBufferCount, tlv.TypeU32},
	},
	MsgDequeueBuffer: {
		{FieldWidth, tlv.TypeU32},
		{FieldHeight, tlv.TypeU32},
		{FieldFormat, tlv.TypeU32},
		{FieldUsage, tlv.TypeU32},
		{FieldAsync, tlv.TypeBool},
	},
	MsgQueueBuffer: {
		{FieldSlot, tlv.TypeU32},
		{FieldTimestamp, tlv.TypeI64},
		{FieldAutoTimestamp, tlv.TypeBool},
		{FieldCrop, tlv.TypeBytes},
		{FieldScalingMode, tlv.TypeU32},
		{FieldTransform, tlv.TypeU32},
		{FieldAsync, tlv.TypeBool},
		{FieldFence, tlv.TypeBytes},
	},
	MsgCancelBuffer: {
		{FieldSlot, tlv.TypeU32},
		{FieldFence, tlv.TypeBytes},
	},
	MsgQuery: {
		{FieldQueryKey, tlv.TypeU32},
	},
	MsgConnect: {
		{FieldAPI, tlv.TypeU32},
		{FieldControlledByApp, tlv.TypeBool},
	},
	MsgDisconnect: {
		{FieldAPI, tlv.TypeU32},
	},
	MsgFenceSync: {
		{FieldFences, tlv.TypeBytes},
	},
}

var responseRequirements = []Requirement{
	{FieldStatus, tlv.TypeU32},
}

// Validate enforces required fields and required field types for a request.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	return check(messageType, reqs, fields)
}

// ValidateResponse checks the fields shared by every response.
func ValidateResponse(messageType uint32, fields []tlv.Field) error {
	return check(messageType, responseRequirements, fields)
}

func check(messageType uint32, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", MessageName(messageType)).Int("fields", len(fields)).Msg("schema: ok")
	return nil
}
