package broker

import (
	"encoding/binary"
	"fmt"
	"net/http"

	"github.com/szegedai/distributed-adversarial-training/internal/queue"
	"github.com/szegedai/distributed-adversarial-training/internal/wireformat"
)

// handleNumBatches implements GET /num_batches, blocking until a
// dataloader is installed (spec §4.6).
func (s *Server) handleNumBatches(w http.ResponseWriter, r *http.Request) {
	for {
		n, ok := s.Driver.NumBatches()
		if ok {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(n))
			w.Write(buf)
			return
		}
		if !wait(r.Context(), nil) {
			return
		}
	}
}

// handleIDs implements GET /ids: the 24-byte version triple. Counters
// start at zero, a valid reading, so this never blocks.
func (s *Server) handleIDs(w http.ResponseWriter, r *http.Request) {
	w.Write(s.Versions.Encode())
}

// handleCleanBatchGet implements GET /clean_batch: claim the oldest free
// batch, recording the model version at dispatch, and return id ∥ bytes.
func (s *Server) handleCleanBatchGet(w http.ResponseWriter, r *http.Request) {
	for {
		currentStateID := s.Versions.ModelStateID()
		id, bytes, ok := s.Queue.ClaimClean(currentStateID)
		if ok {
			w.Write(wireformat.EncodeIDPrefixed(id, bytes))
			return
		}
		if !wait(r.Context(), s.Queue.FreeReady()) {
			return
		}
	}
}

// handleAdvBatchPost implements POST /adv_batch. Unknown, stale and
// queue-full outcomes are all silently dropped per spec §7/§8 L3; only an
// Accepted result triggers the one-in-one-out refill (spec §4.3).
func (s *Server) handleAdvBatchPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	id, payload, err := wireformat.DecodeIDPrefixed(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentStateID := s.Versions.ModelStateID()
	maxPatience, queueLimit := s.Params.Get()

	switch s.Queue.SubmitAdv(id, payload, currentStateID, maxPatience, queueLimit) {
	case queue.Accepted:
		if err := s.Driver.ProduceOne(); err != nil {
			logHandlerError("/adv_batch refill", err)
		}
	case queue.Stale, queue.Dropped, queue.Unknown:
		// No-op by design: the id was already recycled to free (Stale,
		// Dropped) or simply isn't tracked anymore (Unknown).
	}

	w.WriteHeader(http.StatusOK)
}

// handleAdvBatchGet implements GET /adv_batch: deliver the oldest
// finished adversarial batch, destroying its id.
func (s *Server) handleAdvBatchGet(w http.ResponseWriter, r *http.Request) {
	for {
		id, bytes, dispatchVersion, ok := s.Queue.TakeDone()
		if ok {
			w.Header().Set("X-Extra-Data", fmt.Sprintf(`{"id":%d,"dispatch_model_state_id":%d}`, id, dispatchVersion))
			w.Write(bytes)
			return
		}
		if !wait(r.Context(), s.Queue.DoneReady()) {
			return
		}
	}
}

// handleAttackGet implements GET /attack, blocking until POST /attack has
// run at least once.
func (s *Server) handleAttackGet(w http.ResponseWriter, r *http.Request) {
	for {
		data, ok := s.attack.Get()
		if ok {
			w.Write(data)
			return
		}
		if !wait(r.Context(), nil) {
			return
		}
	}
}

// handleModelGet implements GET /model, blocking until POST /model has
// run at least once.
func (s *Server) handleModelGet(w http.ResponseWriter, r *http.Request) {
	for {
		data, ok := s.model.Get()
		if ok {
			w.Write(data)
			return
		}
		if !wait(r.Context(), nil) {
			return
		}
	}
}

// handleModelStateGet implements GET /model_state, blocking until POST
// /model_state has run at least once.
func (s *Server) handleModelStateGet(w http.ResponseWriter, r *http.Request) {
	for {
		data, ok := s.modelState.Get()
		if ok {
			w.Write(data)
			return
		}
		if !wait(r.Context(), nil) {
			return
		}
	}
}
