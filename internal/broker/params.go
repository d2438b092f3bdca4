package broker

import "sync"

// params holds the current max_patience / queue_limit pair, settable by
// either /dataloader POST (initial value) or /parameters POST (later
// updates), per spec §6.
type params struct {
	mu          sync.Mutex
	maxPatience uint64
	queueLimit  uint64
}

func (p *params) Set(maxPatience, queueLimit uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxPatience = maxPatience
	p.queueLimit = queueLimit
}

func (p *params) Get() (maxPatience, queueLimit uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPatience, p.queueLimit
}

// MaxPatience implements reaper.Params.
func (p *params) MaxPatience() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPatience
}
