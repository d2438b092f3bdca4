// Package reaper implements the Timeout Reaper (spec §4.5): every tick
// it moves working entries that have fallen more than max_patience model
// state versions behind back to free, reclaiming work from crashed or
// hung workers. Modeled on the teacher's AsyncWorker.runLoop ticker
// select-loop in internal/ingester/async_worker.go.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/szegedai/distributed-adversarial-training/internal/queue"
	"github.com/szegedai/distributed-adversarial-training/internal/versions"
)

// DefaultInterval is the spec's "every ~2s" tick.
const DefaultInterval = 2 * time.Second

// Params supplies the current max_patience; it's read fresh on every
// tick since /parameters can change it without restarting the reaper.
type Params interface {
	MaxPatience() uint64
}

// Reaper periodically reclaims stale working ids.
type Reaper struct {
	queue    *queue.Queue
	versions *versions.Registry
	params   Params
	interval time.Duration
}

// New returns a Reaper using the default tick interval.
func New(q *queue.Queue, v *versions.Registry, p Params) *Reaper {
	return &Reaper{queue: q, versions: v, params: p, interval: DefaultInterval}
}

// Run ticks until ctx is canceled. Intended to be run in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reaper) tick() {
	currentStateID := r.versions.ModelStateID()
	maxPatience := r.params.MaxPatience()
	reaped := r.queue.ReapStale(currentStateID, maxPatience)
	if len(reaped) > 0 {
		log.Printf("[reaper] reclaimed %d stale batch(es) at model_state_id=%d", len(reaped), currentStateID)
	}
}
