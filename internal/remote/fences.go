package remote

import (
	"sync"

	"github.com/danmuck/gfxqueue/internal/fence"
)

// fenceTable mirrors fences across one connection. Local fences handed to the
// peer while still pending are tracked in outbound until they signal; peer
// fences that arrived pending get a local stand-in in inbound.
type fenceTable struct {
	mu       sync.Mutex
	inbound  map[uint64]*fence.Fence
	outbound map[uint64]*fence.Fence
}

func newFenceTable() *fenceTable {
	return &fenceTable{
		inbound:  make(map[uint64]*fence.Fence),
		outbound: make(map[uint64]*fence.Fence),
	}
}

// export describes a local fence for the peer.
func (t *fenceTable) export(f *fence.Fence) fenceRef {
	if f == nil || fence.IsNoFence(f) {
		return fenceRef{}
	}
	if f.IsSignaled() {
		return fenceRef{ID: f.ID(), At: f.SignalTime()}
	}
	t.mu.Lock()
	t.outbound[f.ID()] = f
	t.mu.Unlock()
	return fenceRef{ID: f.ID(), At: fence.Pending}
}

// resolve returns the local fence for a peer reference.
func (t *fenceTable) resolve(r fenceRef) *fence.Fence {
	if r.ID == 0 {
		return fence.NoFence
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.inbound[r.ID]
	if r.At != fence.Pending {
		if ok {
			f.Signal(r.At)
			delete(t.inbound, r.ID)
			return f
		}
		return fence.NewSignaled(r.At)
	}
	if !ok {
		f = fence.New()
		t.inbound[r.ID] = f
	}
	return f
}

// apply signals stand-ins for peer fences that have fired.
func (t *fenceTable) apply(refs []fenceRef) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range refs {
		f, ok := t.inbound[r.ID]
		if !ok || r.At == fence.Pending {
			continue
		}
		f.Signal(r.At)
		delete(t.inbound, r.ID)
		n++
	}
	return n
}

// collect returns and forgets outbound fences that have signaled.
func (t *fenceTable) collect() []fenceRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []fenceRef
	for id, f := range t.outbound {
		if f.IsSignaled() {
			out = append(out, fenceRef{ID: id, At: f.SignalTime()})
			delete(t.outbound, id)
		}
	}
	return out
}

// abandon signals every stand-in at the given time. Nothing can resolve them
// once the connection is gone.
func (t *fenceTable) abandon(at int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.inbound)
	for id, f := range t.inbound {
		f.Signal(at)
		delete(t.inbound, id)
	}
	clear(t.outbound)
	return n
}

func (t *fenceTable) pending() (inbound, outbound int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbound), len(t.outbound)
}
