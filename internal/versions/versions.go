// Package versions implements the monotonic attack/architecture/weight
// counters described in spec §3 and §4.4, plus the staleness predicate
// and the 24-byte /ids wire encoding.
package versions

import (
	"encoding/binary"
	"sync"
)

// Registry holds the three strictly monotonic version counters.
type Registry struct {
	mu           sync.Mutex
	attackID     uint64
	modelArchID  uint64
	modelStateID uint64
}

// New returns a Registry with all counters at zero.
func New() *Registry {
	return &Registry{}
}

// BumpAttack increments attack_id and returns the new value.
func (r *Registry) BumpAttack() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attackID++
	return r.attackID
}

// BumpModelArch increments model_arch_id and returns the new value.
func (r *Registry) BumpModelArch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelArchID++
	return r.modelArchID
}

// BumpModelState increments model_state_id and returns the new value.
func (r *Registry) BumpModelState() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelStateID++
	return r.modelStateID
}

// IDs returns the current (attack_id, model_arch_id, model_state_id) triple.
func (r *Registry) IDs() (attackID, modelArchID, modelStateID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attackID, r.modelArchID, r.modelStateID
}

// ModelStateID returns the current model_state_id alone; used by the
// claim/submit/reap path so it doesn't need the full triple.
func (r *Registry) ModelStateID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modelStateID
}

// Reset sets all counters back to zero (used by /reset).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attackID = 0
	r.modelArchID = 0
	r.modelStateID = 0
}

// Encode returns the 24-byte big-endian wire form of /ids.
func (r *Registry) Encode() []byte {
	attackID, archID, stateID := r.IDs()
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], attackID)
	binary.BigEndian.PutUint64(buf[8:16], archID)
	binary.BigEndian.PutUint64(buf[16:24], stateID)
	return buf
}

// Decode parses a 24-byte /ids response body, as consumed by workers and clients.
func Decode(buf []byte) (attackID, modelArchID, modelStateID uint64, ok bool) {
	if len(buf) != 24 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint64(buf[0:8]),
		binary.BigEndian.Uint64(buf[8:16]),
		binary.BigEndian.Uint64(buf[16:24]),
		true
}

// Stale reports whether a batch dispatched at dispatchStateID is stale
// under the current model_state_id and max_patience, per spec §3:
// currentModelStateID - dispatchStateID > maxPatience.
func Stale(currentModelStateID, dispatchStateID, maxPatience uint64) bool {
	return currentModelStateID-dispatchStateID > maxPatience
}
