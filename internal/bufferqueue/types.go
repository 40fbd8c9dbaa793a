package bufferqueue

import (
	"context"
	"fmt"
	"image"

	"github.com/danmuck/gfxqueue/internal/fence"
	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/gogpu/gputypes"
)

// Dequeue result flags.
const (
	BufferNeedsReallocation uint32 = 0x1
	ReleaseAllBuffers       uint32 = 0x2
)

const (
	// MaxMaxAcquiredBuffers bounds SetMaxAcquiredBufferCount.
	MaxMaxAcquiredBuffers = 30

	// maxReasonablePresent bounds how far a frame timestamp may sit from the
	// expected present time before it is treated as bogus.
	maxReasonablePresent int64 = 1_000_000_000
)

// API identifies the kind of producer connected to a queue.
type API int

const (
	APINone   API = 0
	APIEGL    API = 1
	APICPU    API = 2
	APIMedia  API = 3
	APICamera API = 4
)

func (a API) Valid() bool {
	return a >= APIEGL && a <= APICamera
}

func (a API) String() string {
	switch a {
	case APINone:
		return "none"
	case APIEGL:
		return "egl"
	case APICPU:
		return "cpu"
	case APIMedia:
		return "media"
	case APICamera:
		return "camera"
	default:
		return fmt.Sprintf("api(%d)", int(a))
	}
}

// ScalingMode tells the consumer how to fit the buffer to its target.
type ScalingMode int

const (
	ScalingFreeze ScalingMode = iota
	ScalingScaleToWindow
	ScalingScaleCrop
	ScalingNoScaleCrop
)

func (m ScalingMode) Valid() bool {
	return m >= ScalingFreeze && m <= ScalingNoScaleCrop
}

// Transform is a bitmask of flips and rotations applied at display time.
type Transform uint32

const (
	TransformFlipH          Transform = 0x01
	TransformFlipV          Transform = 0x02
	TransformRot90          Transform = 0x04
	TransformRot180         Transform = TransformFlipH | TransformFlipV
	TransformRot270         Transform = TransformRot180 | TransformRot90
	TransformInverseDisplay Transform = 0x08
)

// QueryKey selects a value reported by Query.
type QueryKey int

const (
	QueryWidth                 QueryKey = 0
	QueryHeight                QueryKey = 1
	QueryFormat                QueryKey = 2
	QueryMinUndequeuedBuffers  QueryKey = 3
	QueryDefaultWidth          QueryKey = 6
	QueryDefaultHeight         QueryKey = 7
	QueryTransformHint         QueryKey = 8
	QueryConsumerRunningBehind QueryKey = 9
	QueryConsumerUsageBits     QueryKey = 10
	QueryBufferCount           QueryKey = 11
)

// Token tracks the liveness of a connected producer. A context.Context is a
// valid Token; the producer is disconnected when Done closes.
type Token interface {
	Done() <-chan struct{}
}

// DequeueRequest describes the buffer a producer wants. Zero width and height
// select the queue default size; TextureFormatUndefined selects the default format.
type DequeueRequest struct {
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
	Async  bool
}

// DequeueResult is the outcome of a successful dequeue. Fence must signal
// before the producer writes to the buffer.
type DequeueResult struct {
	Slot  int
	Fence *fence.Fence
	Flags uint32
}

func (r DequeueResult) NeedsReallocation() bool { return r.Flags&BufferNeedsReallocation != 0 }
func (r DequeueResult) ReleaseAll() bool        { return r.Flags&ReleaseAllBuffers != 0 }

// QueueBufferInput is the metadata a producer submits with a filled buffer.
// An empty Crop means the whole buffer.
type QueueBufferInput struct {
	Timestamp       int64
	IsAutoTimestamp bool
	Crop            image.Rectangle
	ScalingMode     ScalingMode
	Transform       Transform
	Async           bool
	Fence           *fence.Fence
}

// QueueBufferOutput reports queue-wide state back to the producer.
type QueueBufferOutput struct {
	Width             uint32
	Height            uint32
	TransformHint     Transform
	NumPendingBuffers uint32
}

// Item is a queued frame as seen by the consumer.
type Item struct {
	Slot            int
	Buffer          *gfx.Buffer
	Crop            image.Rectangle
	Transform       Transform
	ScalingMode     ScalingMode
	Timestamp       int64
	IsAutoTimestamp bool
	FrameNumber     uint64
	Fence           *fence.Fence
	IsDroppable     bool
}

// BufferProducer is the producer side of a queue. It is implemented in-process
// by *Producer and across a connection by the remote client.
type BufferProducer interface {
	RequestBuffer(slot int) (*gfx.Buffer, error)
	SetBufferCount(n int) error
	DequeueBuffer(ctx context.Context, req DequeueRequest) (DequeueResult, error)
	QueueBuffer(slot int, in QueueBufferInput) (QueueBufferOutput, error)
	CancelBuffer(slot int, f *fence.Fence)
	Query(key QueryKey) (int, error)
	Connect(token Token, api API, producerControlledByApp bool) (QueueBufferOutput, error)
	Disconnect(api API) error
}

// ConsumerListener receives queue events. Callbacks run without the queue lock
// held and may call back into the queue.
type ConsumerListener interface {
	OnFrameAvailable()
	OnBuffersReleased()
}

// ListenerFuncs adapts plain functions to ConsumerListener. Nil fields are skipped.
type ListenerFuncs struct {
	FrameAvailable  func()
	BuffersReleased func()
}

func (l ListenerFuncs) OnFrameAvailable() {
	if l.FrameAvailable != nil {
		l.FrameAvailable()
	}
}

func (l ListenerFuncs) OnBuffersReleased() {
	if l.BuffersReleased != nil {
		l.BuffersReleased()
	}
}
