// Package dataloader implements the Dataloader Driver (spec §4.3): it
// wraps the currently-installed (dataset, dataloader) pair, pulls the
// next clean example on demand, wraps around on exhaustion, and feeds
// newly-minted batch ids into the store and free queue.
package dataloader

import (
	"errors"
	"sync"

	"github.com/szegedai/distributed-adversarial-training/internal/queue"
	"github.com/szegedai/distributed-adversarial-training/internal/store"
	"github.com/szegedai/distributed-adversarial-training/internal/wireformat"
)

// ErrExhausted is returned by Iterator.Next at the end of an epoch; the
// Driver restarts the iterator and retries once.
var ErrExhausted = errors.New("dataloader: iterator exhausted")

// ErrNotInstalled is returned by driver operations when no dataloader has
// been installed yet.
var ErrNotInstalled = errors.New("dataloader: no dataloader installed")

// Example is a single (inputs, labels) pair as produced by a Dataset,
// already encoded by the caller into whatever byte representation the
// surrounding ML stack uses for tensors.
type Example struct {
	X []byte
	Y []byte
}

// Iterator yields Examples for one epoch, then returns ErrExhausted.
type Iterator interface {
	Next() (Example, error)
}

// Dataloader produces fresh Iterators and reports its epoch length,
// mirroring len(torch.utils.data.DataLoader).
type Dataloader interface {
	Iterator() Iterator
	Len() int
}

// Driver owns the currently-installed Dataloader and the running
// iterator, and is the only thing that accesses either — single
// threaded, from inside Driver's own lock, per spec §5.
type Driver struct {
	mu sync.Mutex

	store *store.Store
	queue *queue.Queue

	dataloader Dataloader
	iterator   Iterator
	nextID     uint64
}

// New returns a Driver with no dataloader installed.
func New(s *store.Store, q *queue.Queue) *Driver {
	return &Driver{store: s, queue: q}
}

// Install replaces the current dataloader and starts a fresh iterator.
// The id counter is NOT reset here — callers that need a full reset (in
// response to /dataset) should call Reset first.
func (d *Driver) Install(dl Dataloader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataloader = dl
	d.iterator = dl.Iterator()
}

// Installed reports whether a dataloader is ready to produce batches.
func (d *Driver) Installed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataloader != nil
}

// NumBatches reports len(dataloader), blocking (via ok=false) until one
// is installed; callers poll per spec §4.6 ("num_batches blocks until a
// dataloader is installed").
func (d *Driver) NumBatches() (n int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dataloader == nil {
		return 0, false
	}
	return d.dataloader.Len(), true
}

// ProduceOne pulls the next example, wrapping the iterator on exhaustion,
// serializes it, allocates a fresh monotonic id, and enqueues it as free.
func (d *Driver) ProduceOne() error {
	d.mu.Lock()
	if d.dataloader == nil {
		d.mu.Unlock()
		return ErrNotInstalled
	}

	ex, err := d.iterator.Next()
	if errors.Is(err, ErrExhausted) {
		d.iterator = d.dataloader.Iterator()
		ex, err = d.iterator.Next()
	}
	if err != nil {
		d.mu.Unlock()
		return err
	}

	id := d.nextID
	d.nextID++
	d.mu.Unlock()

	bytes := wireformat.EncodePair(ex.X, ex.Y)
	d.store.Insert(id, bytes)
	d.queue.EnqueueFree(id)
	return nil
}

// Prime calls ProduceOne up to n times, used to pre-fill the free queue
// to queue_limit immediately after /dataloader POST (spec §4.3 refill
// policy). A dataloader shorter than n wraps around as in ProduceOne; it
// stops at the first error (e.g. a dataloader that yields nothing even
// after a restart) and returns it.
func (d *Driver) Prime(n int) error {
	for i := 0; i < n; i++ {
		if err := d.ProduceOne(); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops the installed dataloader and rewinds the id counter,
// performed on /dataset POST per spec §7 reset semantics.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataloader = nil
	d.iterator = nil
	d.nextID = 0
}
