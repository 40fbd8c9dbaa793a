package bufferqueue

import (
	"context"
	"sync"

	"github.com/danmuck/gfxqueue/internal/gfx"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/danmuck/gfxqueue/internal/slots"
	"github.com/danmuck/gfxqueue/internal/systime"
	"github.com/gogpu/gputypes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxBufferCount = 2
	defaultMaxAcquired    = 1
)

// Config describes a new queue. Allocator is required; Clock and Logger default
// to the monotonic clock and the global logger.
type Config struct {
	Name      string
	Allocator gfx.Allocator
	Clock     systime.Clock
	Logger    *zerolog.Logger
}

// Queue is one producer/consumer buffer queue.
type Queue struct {
	name  string
	log   zerolog.Logger
	alloc gfx.Allocator
	clock systime.Clock

	producer *Producer
	consumer *Consumer

	mu    sync.Mutex
	cond  *sync.Cond
	slots *slots.Table
	fifo  []Item

	abandoned    bool
	connectedAPI API
	connGen      uint64
	unwatch      func()

	listener                ConsumerListener
	consumerControlledByApp bool
	dequeueCannotBlock      bool

	defaultWidth  uint32
	defaultHeight uint32
	defaultFormat gputypes.TextureFormat
	consumerUsage gputypes.TextureUsage
	transformHint Transform

	defaultMaxBufferCount  int
	overrideMaxBufferCount int
	maxAcquired            int
	useAsyncBuffer         bool

	frameCounter        uint64
	bufferHasBeenQueued bool
	releaseAllPending   bool
	lastRequest         DequeueRequest
}

// New creates a queue with the default configuration: 1x1 RGBA8 buffers, a
// default max buffer count of 2 and one acquired buffer.
func New(cfg Config) *Queue {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Name == "" {
		cfg.Name = "bufferqueue"
	}
	q := &Queue{
		name:                  cfg.Name,
		log:                   logger.With().Str("queue", cfg.Name).Logger(),
		alloc:                 cfg.Allocator,
		clock:                 systime.OrDefault(cfg.Clock),
		slots:                 slots.New(),
		defaultWidth:          1,
		defaultHeight:         1,
		defaultFormat:         gputypes.TextureFormatRGBA8Unorm,
		defaultMaxBufferCount: defaultMaxBufferCount,
		maxAcquired:           defaultMaxAcquired,
		useAsyncBuffer:        true,
	}
	if q.alloc == nil {
		q.alloc = gfx.NewMemoryAllocator(0)
	}
	q.cond = sync.NewCond(&q.mu)
	q.producer = &Producer{q: q}
	q.consumer = &Consumer{q: q}
	return q
}

func (q *Queue) Name() string { return q.name }

// Producer returns the in-process producer endpoint.
func (q *Queue) Producer() *Producer { return q.producer }

// Consumer returns the consumer endpoint.
func (q *Queue) Consumer() *Consumer { return q.consumer }

// minUndequeuedLocked is the number of buffers the producer may not hold at
// once so the consumer can always make progress.
func (q *Queue) minUndequeuedLocked(async bool) int {
	if !q.useAsyncBuffer {
		return q.maxAcquired
	}
	if q.dequeueCannotBlock || async {
		return q.maxAcquired + 1
	}
	return q.maxAcquired
}

func (q *Queue) minMaxBufferCountLocked(async bool) int {
	return q.minUndequeuedLocked(async) + 1
}

// maxBufferCountLocked returns the number of usable slots. Slots past the
// computed count that are still queued or dequeued extend it.
func (q *Queue) maxBufferCountLocked(async bool) int {
	if q.overrideMaxBufferCount != 0 {
		return q.overrideMaxBufferCount
	}
	n := max(q.defaultMaxBufferCount, q.minMaxBufferCountLocked(async))
	for i := n; i < slots.MaxSlots; i++ {
		switch q.slots.Slot(i).State {
		case slots.Queued, slots.Dequeued:
			n = i + 1
		}
	}
	return n
}

// freeSlotLocked drops the buffer of slot i and returns its budget.
func (q *Queue) freeSlotLocked(i int) {
	q.freeBuffers(q.slots.Reset(i))
}

func (q *Queue) freeAllLocked() {
	q.bufferHasBeenQueued = false
	q.fifo = nil
	q.freeBuffers(q.slots.ResetAll()...)
	observability.SetPendingBuffers(q.name, 0)
}

func (q *Queue) freeBuffers(bufs ...*gfx.Buffer) {
	freer, ok := q.alloc.(gfx.Freer)
	if !ok {
		return
	}
	for _, b := range bufs {
		if b != nil {
			freer.Free(b)
		}
	}
}

func (q *Queue) outputLocked() QueueBufferOutput {
	return QueueBufferOutput{
		Width:             q.defaultWidth,
		Height:            q.defaultHeight,
		TransformHint:     q.transformHint,
		NumPendingBuffers: uint32(len(q.fifo)),
	}
}

// watchTokenLocked disconnects api when the token's Done channel closes. The
// watch is tied to the current connection generation.
func (q *Queue) watchTokenLocked(token Token, api API) {
	gen := q.connGen
	onDeath := func() { q.producerDied(gen, api) }
	if ctx, ok := token.(context.Context); ok {
		stop := context.AfterFunc(ctx, onDeath)
		q.unwatch = func() { stop() }
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-token.Done():
			onDeath()
		case <-done:
		}
	}()
	var once sync.Once
	q.unwatch = func() { once.Do(func() { close(done) }) }
}

func (q *Queue) stopWatchLocked() {
	if q.unwatch != nil {
		q.unwatch()
		q.unwatch = nil
	}
}

func (q *Queue) producerDied(gen uint64, api API) {
	q.mu.Lock()
	if q.abandoned || q.connGen != gen || q.connectedAPI != api {
		q.mu.Unlock()
		return
	}
	q.log.Warn().Str("api", api.String()).Msg("producer died, disconnecting")
	listener := q.disconnectLocked()
	q.mu.Unlock()
	if listener != nil {
		listener.OnBuffersReleased()
	}
}

// disconnectLocked drops the producer connection and every buffer.
func (q *Queue) disconnectLocked() ConsumerListener {
	q.freeAllLocked()
	q.connectedAPI = APINone
	q.dequeueCannotBlock = false
	q.releaseAllPending = true
	q.connGen++
	q.stopWatchLocked()
	q.cond.Broadcast()
	return q.listener
}

func (q *Queue) record(op string, err error) {
	result := ErrorKind(err)
	observability.RecordQueueOp(q.name, op, result)
	if err != nil {
		q.log.Debug().Str("op", op).Err(err).Msg("queue operation failed")
	}
}
