// Package bufferqueue implements the producer/consumer buffer exchange state
// machine.
//
// A Queue owns a slot table of up to slots.MaxSlots graphics buffers. The producer
// side dequeues a free slot, fills the buffer and queues it; the consumer side
// acquires queued buffers in submission order and releases them back to the pool.
// Each handoff carries a fence that the receiving side must respect before
// touching the buffer contents. The queue itself never waits on fences.
//
// Slot lifecycle:
//
//	FREE --dequeue--> DEQUEUED --queue--> QUEUED --acquire--> ACQUIRED --release--> FREE
//	DEQUEUED --cancel--> FREE
//
// All state lives behind one mutex per queue. DequeueBuffer is the only producer
// call that blocks; it waits on a condition variable signaled by every transition
// into FREE and by configuration changes.
//
// Once the consumer disconnects the queue is abandoned for good: every producer
// call except Disconnect fails with ErrNotInitialized.
package bufferqueue
