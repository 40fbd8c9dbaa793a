// Package remote carries the producer side of a buffer queue across a stream
// connection.
//
// The server side resolves a named queue from a bufferqueue.Registry and runs
// every producer operation against it on behalf of one connection. The
// connection itself is the producer token: when it drops, the queue
// disconnects the producer and frees its buffers. The client side implements
// bufferqueue.BufferProducer, so a Surface works the same over a socket as it
// does in-process.
//
// Buffers returned over the wire are handles only; their Pixels are nil.
// Fences are mirrored by id and resolved with MsgFenceSync.
package remote
