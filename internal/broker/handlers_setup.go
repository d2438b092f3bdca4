package broker

import (
	"encoding/binary"
	"io"
	"net/http"

	"github.com/szegedai/distributed-adversarial-training/internal/registry"
)

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// handleDatasetPost implements POST /dataset: construct the dataset
// object from the named factory, and clear queues/store/dataloader since
// any in-flight or done batches now refer to a dataset that no longer
// exists (spec §7 reset semantics).
func (s *Server) handleDatasetPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	spec, err := registry.DecodeSpec(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.datasetMu.Lock()
	defer s.datasetMu.Unlock()

	ds, err := s.datasetRegistry.Build(spec)
	if err != nil {
		logHandlerError("/dataset", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Driver.Reset()
	s.Queue.Reset()
	s.Store.Reset()
	s.dataset = ds

	w.WriteHeader(http.StatusOK)
}

// handleDataloaderPost implements POST /dataloader: construct the
// dataloader from the named factory and the currently-installed dataset,
// apply max_patience/queue_limit, clear queue/store, then prime the free
// queue up to queue_limit (spec §4.3 refill policy).
func (s *Server) handleDataloaderPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(body) < 16 {
		http.Error(w, "dataloader body too short for trailing max_patience/queue_limit", http.StatusInternalServerError)
		return
	}
	specBytes := body[:len(body)-16]
	maxPatience := binary.BigEndian.Uint64(body[len(body)-16 : len(body)-8])
	queueLimit := binary.BigEndian.Uint64(body[len(body)-8:])

	spec, err := registry.DecodeSpec(specBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.datasetMu.Lock()
	if s.dataset == nil {
		s.datasetMu.Unlock()
		// Prerequisite (/dataset) hasn't run yet. Per spec §4.6, requests
		// arriving before their prerequisites block rather than error;
		// here that's surfaced as a 500 since a POST can't silently
		// retry-poll the way a GET can, and the caller is expected to
		// post /dataset first as documented in the required startup order.
		http.Error(w, "no dataset installed; POST /dataset first", http.StatusInternalServerError)
		return
	}

	dl, err := s.dataloaderRegistry.Build(spec, s.dataset)
	if err != nil {
		s.datasetMu.Unlock()
		logHandlerError("/dataloader", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Queue.Reset()
	s.Store.Reset()
	s.Driver.Install(dl)
	s.datasetMu.Unlock()

	s.Params.Set(maxPatience, queueLimit)

	if queueLimit > 0 {
		if err := s.Driver.Prime(int(queueLimit)); err != nil {
			logHandlerError("/dataloader prime", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleAttackPost implements POST /attack: store the opaque attack spec
// bytes, bump attack_id, and invalidate all in-flight/done work (spec
// §4.4) since results computed under the old attack are no longer valid.
func (s *Server) handleAttackPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.attack.Set(body)
	s.Versions.BumpAttack()
	s.Queue.ReassignAllToFree()
	w.WriteHeader(http.StatusOK)
}

// handleModelPost implements POST /model. The first byte of the body is
// the new_architecture flag (spec §6); the remainder is the opaque model
// spec relayed on GET /model. A new architecture bumps model_arch_id and
// invalidates in-flight/done work the same way an attack change does.
func (s *Server) handleModelPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(body) < 1 {
		http.Error(w, "model body missing new_architecture flag byte", http.StatusInternalServerError)
		return
	}
	newArchitecture := body[0] != 0
	s.model.Set(body[1:])

	if newArchitecture {
		s.Versions.BumpModelArch()
		s.Queue.ReassignAllToFree()
	}
	w.WriteHeader(http.StatusOK)
}

// handleModelStatePost implements POST /model_state: store the opaque
// weight bytes and bump model_state_id. Unlike attack/model-architecture
// changes, this does not invalidate in-flight work — the patience check
// at submission time catches batches that go stale under the new weights
// (spec §4.4).
func (s *Server) handleModelStatePost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.modelState.Set(body)
	s.Versions.BumpModelState()
	w.WriteHeader(http.StatusOK)
}

// handleParametersPost implements POST /parameters: max_patience:u64-BE ∥
// queue_limit:u64-BE, updatable independently of /dataloader.
func (s *Server) handleParametersPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(body) != 16 {
		http.Error(w, "parameters body must be exactly 16 bytes", http.StatusInternalServerError)
		return
	}
	maxPatience := binary.BigEndian.Uint64(body[:8])
	queueLimit := binary.BigEndian.Uint64(body[8:])
	s.Params.Set(maxPatience, queueLimit)
	w.WriteHeader(http.StatusOK)
}

// handleResetPost implements POST /reset: return the broker to a state
// behaviorally identical to a fresh process (spec §8 law L2).
func (s *Server) handleResetPost(w http.ResponseWriter, r *http.Request) {
	s.datasetMu.Lock()
	s.dataset = nil
	s.datasetMu.Unlock()

	s.Driver.Reset()
	s.Queue.Reset()
	s.Store.Reset()
	s.Versions.Reset()
	s.Params.Set(0, 0)
	s.attack.Reset()
	s.model.Reset()
	s.modelState.Reset()

	w.WriteHeader(http.StatusOK)
}
