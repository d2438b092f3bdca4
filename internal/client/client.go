// Package client implements the Client Iterable (spec §4.7, C7): the
// training-loop side of the wire protocol. It drives a pool of
// batch-downloader workers feeding a bounded queue, a coalescing
// model-uploader, and the batch_scale merge/split accounting, grounded
// on original_source/server/worker.py's ContinuousHTTPWorkerDataLoader.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/szegedai/distributed-adversarial-training/internal/transport"
	"github.com/szegedai/distributed-adversarial-training/internal/versions"
	"github.com/szegedai/distributed-adversarial-training/internal/wireformat"
)

// Batch is a single (x, y) pair pulled off the wire, or the result of
// merging/splitting one or more such pairs per batch_scale.
type Batch struct {
	X []byte
	Y []byte
}

// SetupSpec carries the raw, opaque bodies for the six startup POSTs
// required before the broker will serve batches (spec §4.6 startup
// order). Each field is already wire-encoded by the caller; this
// package doesn't know or care what's inside them.
type SetupSpec struct {
	Dataset     []byte
	Dataloader  []byte // includes the trailing max_patience/queue_limit per handlers_setup.go
	Attack      []byte
	Model       []byte // includes the leading new_architecture flag byte
	ModelState  []byte
	Parameters  []byte
}

// PinFunc is run by a downloader on each batch after any batch_scale
// merge/split, right before the batch is pushed onto the bounded queue. It
// stands in for the
// original ContinuousHTTPWorkerDataLoader's pin_memory_device hint, which
// has no Go equivalent here since there's no tensor runtime to pin into;
// callers that need device affinity do it in this callback.
type PinFunc func(Batch) Batch

// Client drives the downloader pool and model uploader against one
// Execution Server.
type Client struct {
	Transport   *transport.Client
	BufferSize  int
	Downloaders int
	BatchScale  float64 // k: >=1 merges k adjacent batches, 0<k<1 splits 1/k ways
	Pin         PinFunc // optional; nil means no-op

	sourceNumBatches int
	numBatches       int

	out      chan Batch
	uploads  chan []byte
	pulled   int
	pulledMu sync.Mutex
}

// New returns a Client with the given pool sizing. batchScale of 0 is
// treated as 1 (no merge/split).
func New(t *transport.Client, bufferSize, downloaders int, batchScale float64) *Client {
	if batchScale == 0 {
		batchScale = 1
	}
	return &Client{
		Transport:   t,
		BufferSize:  bufferSize,
		Downloaders: downloaders,
		BatchScale:  batchScale,
		out:         make(chan Batch, bufferSize),
		uploads:     make(chan []byte, 1),
	}
}

// Start runs the setup POSTs, reads the source num_batches, computes
// this client's epoch length per spec §4.7, and spawns the downloader
// pool and the model uploader. It returns once setup succeeds; the
// spawned goroutines run until ctx is canceled.
func (c *Client) Start(ctx context.Context, setup SetupSpec) error {
	posts := []struct {
		path string
		body []byte
	}{
		{"/dataset", setup.Dataset},
		{"/dataloader", setup.Dataloader},
		{"/attack", setup.Attack},
		{"/model", setup.Model},
		{"/model_state", setup.ModelState},
		{"/parameters", setup.Parameters},
	}
	for _, p := range posts {
		if err := c.Transport.Post(ctx, p.path, p.body); err != nil {
			return fmt.Errorf("setup %s: %w", p.path, err)
		}
	}

	nbBytes, err := c.Transport.Get(ctx, "/num_batches")
	if err != nil {
		return fmt.Errorf("GET /num_batches: %w", err)
	}
	if len(nbBytes) != 8 {
		return fmt.Errorf("decode /num_batches: expected 8 bytes, got %d", len(nbBytes))
	}
	c.sourceNumBatches = int(binary.BigEndian.Uint64(nbBytes))
	c.numBatches = scaledNumBatches(c.sourceNumBatches, c.BatchScale)

	if c.Downloaders <= 0 {
		c.Downloaders = 1
	}
	for i := 0; i < c.Downloaders; i++ {
		go c.downloaderLoop(ctx)
	}
	go c.uploaderLoop(ctx)
	return nil
}

// scaledNumBatches implements spec §4.7's merge/split arithmetic:
// ceil(source/k) for k>=1 (merging; k is truncated to an integer, the same
// count downloaderLoop merges), floor(source*(1/k)) for 0<k<1 (splitting).
func scaledNumBatches(source int, k float64) int {
	if k >= 1 {
		return (source + int(k) - 1) / int(k)
	}
	return int(float64(source) / k)
}

// NumBatches returns this client's epoch length, already adjusted for batch_scale.
func (c *Client) NumBatches() int { return c.numBatches }

// downloaderLoop implements one of N downloader workers (spec §4.7):
// GET /adv_batch, decode, merge or split per BatchScale, push onto the
// bounded out queue.
func (c *Client) downloaderLoop(ctx context.Context) {
	pending := make([]Batch, 0, max(1, int(c.BatchScale)))
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := c.Transport.Get(ctx, "/adv_batch")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// GET /adv_batch carries no id prefix, unlike /clean_batch and
		// /adv_batch POST (spec §6); the id is only optionally available
		// via the X-Extra-Data response header, which this client ignores.
		x, y, err := wireformat.DecodePair(raw)
		if err != nil {
			continue
		}

		if c.BatchScale >= 1 {
			pending = append(pending, Batch{X: x, Y: y})
			if len(pending) < int(c.BatchScale) {
				continue
			}
			merged := mergeBatches(pending)
			pending = pending[:0]
			if !c.push(ctx, merged) {
				return
			}
			continue
		}

		for _, part := range splitBatch(Batch{X: x, Y: y}, c.BatchScale) {
			if !c.push(ctx, part) {
				return
			}
		}
	}
}

func (c *Client) push(ctx context.Context, b Batch) bool {
	if c.Pin != nil {
		b = c.Pin(b)
	}
	select {
	case c.out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// mergeBatches concatenates k adjacent batches' X and Y byte streams,
// this project's stand-in for a tensor concat along the batch dimension.
func mergeBatches(batches []Batch) Batch {
	var x, y []byte
	for _, b := range batches {
		x = append(x, b.X...)
		y = append(y, b.Y...)
	}
	return Batch{X: x, Y: y}
}

// splitBatch divides a batch into 1/k roughly-equal byte slices.
func splitBatch(b Batch, k float64) []Batch {
	parts := int(1 / k)
	if parts <= 1 {
		return []Batch{b}
	}
	out := make([]Batch, 0, parts)
	xChunk := len(b.X) / parts
	yChunk := len(b.Y) / parts
	for i := 0; i < parts; i++ {
		xs, xe := i*xChunk, (i+1)*xChunk
		ys, ye := i*yChunk, (i+1)*yChunk
		if i == parts-1 {
			xe, ye = len(b.X), len(b.Y)
		}
		out = append(out, Batch{X: b.X[xs:xe], Y: b.Y[ys:ye]})
	}
	return out
}

// Next returns the next batch of the current epoch, blocking until a
// downloader delivers one. After exactly NumBatches pulls the internal
// counter resets, matching spec §4.7's "iteration ends after exactly
// num_batches pulls per epoch; the counter then resets".
func (c *Client) Next(ctx context.Context) (Batch, error) {
	select {
	case b := <-c.out:
		c.pulledMu.Lock()
		c.pulled++
		if c.pulled >= c.numBatches {
			c.pulled = 0
		}
		c.pulledMu.Unlock()
		return b, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// PushModelState queues a new weight snapshot for upload. Non-blocking:
// a snapshot pushed while the uploader is mid-upload simply replaces
// whatever is waiting in the 1-slot buffer, since only the latest
// matters (spec §4.7 coalescing).
func (c *Client) PushModelState(state []byte) {
	select {
	case c.uploads <- state:
	default:
		select {
		case <-c.uploads:
		default:
		}
		select {
		case c.uploads <- state:
		default:
		}
	}
}

// uploaderLoop implements the model-uploader: wait for at least one
// snapshot, drain any additional ones non-blockingly, upload only the
// last (spec §4.7).
func (c *Client) uploaderLoop(ctx context.Context) {
	for {
		var state []byte
		select {
		case state = <-c.uploads:
		case <-ctx.Done():
			return
		}

	drain:
		for {
			select {
			case newer := <-c.uploads:
				state = newer
			default:
				break drain
			}
		}

		if err := c.Transport.Post(ctx, "/model_state", state); err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
	}
}

// VersionsSnapshot is a convenience for callers that want to watch /ids
// alongside pulling batches, e.g. to log how far the served model_state
// has drifted since the last push.
func (c *Client) VersionsSnapshot(ctx context.Context) (attackID, archID, stateID uint64, err error) {
	raw, err := c.Transport.Get(ctx, "/ids")
	if err != nil {
		return 0, 0, 0, err
	}
	a, m, s, ok := versions.Decode(raw)
	if !ok {
		return 0, 0, 0, fmt.Errorf("client: malformed /ids response (%d bytes)", len(raw))
	}
	return a, m, s, nil
}
