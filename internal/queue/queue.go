// Package queue implements the three-state batch lifecycle
// (free -> working -> done) described in spec §3-4.2: a priority-by-id
// free queue, a working set recording the model version a batch was
// dispatched at, and a priority-by-id done queue of finished adversarial
// results. It also keeps the "shadow copy" of each batch's clean bytes
// needed to replay perturbation after an attack/architecture change.
package queue

import (
	"container/heap"
	"sync"

	"github.com/szegedai/distributed-adversarial-training/internal/store"
)

// SubmitResult is the outcome of a worker's /adv_batch submission.
type SubmitResult int

const (
	// Accepted means the result was stored and the id moved to done.
	Accepted SubmitResult = iota
	// Stale means the submission exceeded max_patience; the id was recycled to free.
	Stale
	// Dropped means the done queue was saturated; the id was recycled to free.
	Dropped
	// Unknown means the id was not in working (reaped, duplicate, or stale epoch); ignored.
	Unknown
)

// idHeap is a min-heap of batch ids, giving the smallest (oldest) id
// dispatch/delivery priority, per spec §4.2 tie-break rule.
type idHeap []uint64

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]
	return id
}

// gate is a broadcast-once-then-reset signal, used so blocked readers can
// wake on a state change instead of busy-spinning under lock. Modeled on
// the drop-if-full, never-block delivery style of the teacher's
// eventbus.Bus, generalized from per-subscriber channels to a single
// close-and-replace broadcast channel.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

func (g *gate) broadcast() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.ch)
	g.ch = make(chan struct{})
}

// Queue is the concurrency-safe three-state batch queue. Store access is
// always performed while holding Queue's own lock, giving a fixed lock
// order of queue -> store that callers must respect (see broker's wider
// data -> store -> free -> working -> done -> versions ordering, of which
// this type implements the free/working/done/store slice as one unit).
type Queue struct {
	mu sync.Mutex

	free    idHeap
	working map[uint64]uint64 // id -> model_state_id at dispatch
	done    idHeap
	// doneDispatchVersion preserves the dispatch version of ids that moved
	// working -> done, so TakeDone can report it as X-Extra-Data telemetry.
	doneDispatchVersion map[uint64]uint64
	shadow              map[uint64][]byte // clean bytes, kept from claim until done is consumed

	store *store.Store

	freeGate *gate
	doneGate *gate
}

// New returns an empty Queue backed by s.
func New(s *store.Store) *Queue {
	return &Queue{
		working:             make(map[uint64]uint64),
		doneDispatchVersion: make(map[uint64]uint64),
		shadow:              make(map[uint64][]byte),
		store:               s,
		freeGate:            newGate(),
		doneGate:            newGate(),
	}
}

// FreeReady returns a channel that closes the next time EnqueueFree makes
// the free queue non-empty (or is otherwise touched).
func (q *Queue) FreeReady() <-chan struct{} {
	return q.freeGate.wait()
}

// DoneReady returns a channel that closes the next time a batch is
// accepted into the done queue.
func (q *Queue) DoneReady() <-chan struct{} {
	return q.doneGate.wait()
}

// EnqueueFree pushes id onto the free heap.
func (q *Queue) EnqueueFree(id uint64) {
	q.mu.Lock()
	heap.Push(&q.free, id)
	q.mu.Unlock()
	q.freeGate.broadcast()
}

// ClaimClean pops the smallest free id, records the dispatch version, and
// snapshots the batch's current bytes as the shadow clean copy. It
// returns false if free is empty.
func (q *Queue) ClaimClean(currentStateID uint64) (id uint64, bytes []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.free.Len() == 0 {
		return 0, nil, false
	}
	id = heap.Pop(&q.free).(uint64)
	raw, present := q.store.Peek(id)
	if !present {
		// Invariant violation guard: a live id must always have bytes.
		return 0, nil, false
	}
	bytes = append([]byte(nil), raw...)
	q.shadow[id] = bytes
	q.working[id] = currentStateID
	return id, bytes, true
}

// SubmitAdv handles a worker's /adv_batch POST per spec §4.2.
func (q *Queue) SubmitAdv(id uint64, bytes []byte, currentStateID, maxPatience, doneLimit uint64) SubmitResult {
	q.mu.Lock()

	dispatchVersion, inWorking := q.working[id]
	if !inWorking {
		q.mu.Unlock()
		return Unknown
	}

	stale := currentStateID-dispatchVersion > maxPatience
	full := uint64(q.done.Len()) >= doneLimit

	if stale || full {
		delete(q.working, id)
		delete(q.shadow, id)
		heap.Push(&q.free, id)
		q.mu.Unlock()
		q.freeGate.broadcast()
		if stale {
			return Stale
		}
		return Dropped
	}

	delete(q.working, id)
	q.doneDispatchVersion[id] = dispatchVersion
	q.store.Replace(id, bytes)
	heap.Push(&q.done, id)
	q.mu.Unlock()
	q.doneGate.broadcast()
	return Accepted
}

// TakeDone pops the smallest done id and removes its bytes from the store,
// along with the model_state_id it was dispatched at, for X-Extra-Data
// telemetry on the broker's GET /adv_batch response.
func (q *Queue) TakeDone() (id uint64, bytes []byte, dispatchVersion uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done.Len() == 0 {
		return 0, nil, 0, false
	}
	id = heap.Pop(&q.done).(uint64)
	bytes, _ = q.store.Take(id)
	dispatchVersion = q.doneDispatchVersion[id]
	delete(q.doneDispatchVersion, id)
	delete(q.shadow, id)
	return id, bytes, dispatchVersion, true
}

// ReassignAllToFree moves every id in working and done back to free,
// restoring the clean shadow bytes for ids that had reached done (whose
// store bytes currently hold the now-invalid adversarial result).
func (q *Queue) ReassignAllToFree() {
	q.mu.Lock()

	for id := range q.working {
		delete(q.working, id)
		delete(q.shadow, id)
		heap.Push(&q.free, id)
	}

	for q.done.Len() > 0 {
		id := heap.Pop(&q.done).(uint64)
		if clean, ok := q.shadow[id]; ok {
			q.store.Replace(id, clean)
		}
		delete(q.shadow, id)
		delete(q.doneDispatchVersion, id)
		heap.Push(&q.free, id)
	}

	q.mu.Unlock()
	q.freeGate.broadcast()
}

// ReapStale moves every working id whose dispatch version is more than
// maxPatience behind currentStateID back to free. Returns the reaped ids.
func (q *Queue) ReapStale(currentStateID, maxPatience uint64) []uint64 {
	q.mu.Lock()
	var reaped []uint64
	for id, dispatchVersion := range q.working {
		if currentStateID-dispatchVersion > maxPatience {
			delete(q.working, id)
			delete(q.shadow, id)
			heap.Push(&q.free, id)
			reaped = append(reaped, id)
		}
	}
	q.mu.Unlock()
	if len(reaped) > 0 {
		q.freeGate.broadcast()
	}
	return reaped
}

// Reset clears all three queues and the shadow store. The caller is
// responsible for clearing the backing store separately.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.free = nil
	q.working = make(map[uint64]uint64)
	q.done = nil
	q.doneDispatchVersion = make(map[uint64]uint64)
	q.shadow = make(map[uint64][]byte)
	q.mu.Unlock()
	q.freeGate.broadcast()
	q.doneGate.broadcast()
}

// Snapshot reports queue sizes, used by invariant checks and tests.
func (q *Queue) Snapshot() (free, working, done int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.free.Len(), len(q.working), q.done.Len()
}

// LiveIDs returns every id currently tracked by the queue (any state),
// used by invariant tests to check the free/working/done partition.
func (q *Queue) LiveIDs() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uint64, 0, len(q.free)+len(q.working)+len(q.done))
	ids = append(ids, q.free...)
	for id := range q.working {
		ids = append(ids, id)
	}
	ids = append(ids, q.done...)
	return ids
}
