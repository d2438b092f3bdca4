package workernode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/szegedai/distributed-adversarial-training/internal/transport"
	"github.com/szegedai/distributed-adversarial-training/internal/versions"
	"github.com/szegedai/distributed-adversarial-training/internal/wireformat"
)

// fakeES is a minimal stand-in for the broker, just enough surface for
// one worker iteration: /ids, /attack, /model, /model_state,
// /clean_batch, /adv_batch.
type fakeES struct {
	mu          sync.Mutex
	versions    versions.Registry
	attackSpec  []byte
	modelSpec   []byte
	modelState  []byte
	cleanID     uint64
	cleanX      []byte
	cleanY      []byte
	submittedID uint64
	submittedX  []byte
}

func newFakeES() *fakeES {
	f := &fakeES{}
	f.attackSpec = []byte(`{"factory":"linf_pgd","params":{"eps":4}}`)
	f.modelSpec = []byte(`{"factory":"in_memory","params":{"architecture":"ref"}}`)
	f.modelState = []byte("weights-v1")
	f.cleanID = 7
	f.cleanX = []byte("clean-x")
	f.cleanY = []byte("clean-y")
	return f
}

func (f *fakeES) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ids", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.versions.Encode())
	})
	mux.HandleFunc("/attack", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.attackSpec)
	})
	mux.HandleFunc("/model", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.modelSpec)
	})
	mux.HandleFunc("/model_state", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.modelState)
	})
	mux.HandleFunc("/clean_batch", func(w http.ResponseWriter, r *http.Request) {
		w.Write(wireformat.EncodeIDPrefixed(f.cleanID, wireformat.EncodePair(f.cleanX, f.cleanY)))
	})
	mux.HandleFunc("/adv_batch", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 256)
		n, _ := r.Body.Read(body)
		id, payload, err := wireformat.DecodeIDPrefixed(body[:n])
		if err == nil {
			x, _, _ := wireformat.DecodePair(payload)
			f.mu.Lock()
			f.submittedID = id
			f.submittedX = x
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestWorker(t *testing.T, es *fakeES) (*Worker, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(es.handler())
	t.Cleanup(ts.Close)

	tr := transport.New(ts.URL, 3)
	modelRegistry := NewModelRegistry()
	modelRegistry.Register("in_memory", NewInMemoryModel)
	attackRegistry := NewAttackRegistry()
	attackRegistry.Register("linf_pgd", NewLinfPGD)

	return New(tr, "cpu", modelRegistry, attackRegistry), ts
}

func TestIterateBuildsAttackAndModelThenPerturbs(t *testing.T) {
	es := newFakeES()
	w, _ := newTestWorker(t, es)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() err = %v", err)
	}

	if w.ctx.attack == nil {
		t.Fatalf("attack not built after first iteration")
	}
	if w.ctx.model == nil {
		t.Fatalf("model not built after first iteration")
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.submittedID != 7 {
		t.Fatalf("submitted id = %d; want 7", es.submittedID)
	}
	if len(es.submittedX) != len(es.cleanX) {
		t.Fatalf("submitted x length = %d; want %d", len(es.submittedX), len(es.cleanX))
	}
}

func TestIterateSkipsRefreshWhenVersionsUnchanged(t *testing.T) {
	es := newFakeES()
	w, _ := newTestWorker(t, es)
	ctx := context.Background()

	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() #1 err = %v", err)
	}
	firstModel := w.ctx.model

	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() #2 err = %v", err)
	}
	if w.ctx.model != firstModel {
		t.Fatalf("model was rebuilt even though model_arch_id did not change")
	}
}

func TestIterateRebuildsAttackOnModelChange(t *testing.T) {
	es := newFakeES()
	w, _ := newTestWorker(t, es)
	ctx := context.Background()

	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() #1 err = %v", err)
	}
	firstAttack := w.ctx.attack

	es.versions.BumpModelArch()
	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() #2 err = %v", err)
	}
	if w.ctx.attack == firstAttack {
		t.Fatalf("attack was not rebuilt after model architecture change")
	}
}

func TestLoadModelStateOnChange(t *testing.T) {
	es := newFakeES()
	w, _ := newTestWorker(t, es)
	ctx := context.Background()

	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() #1 err = %v", err)
	}
	m := w.ctx.model.(*InMemoryModel)
	if string(m.Weights) != "weights-v1" {
		t.Fatalf("Weights = %q; want weights-v1", m.Weights)
	}

	es.modelState = []byte("weights-v2")
	es.versions.BumpModelState()
	if err := w.iterate(ctx); err != nil {
		t.Fatalf("iterate() #2 err = %v", err)
	}
	if string(m.Weights) != "weights-v2" {
		t.Fatalf("Weights after update = %q; want weights-v2", m.Weights)
	}
}

func TestLinfPGDClampsWithinEps(t *testing.T) {
	attack, err := NewLinfPGD([]byte(`{"eps":2,"steps":1}`), nil)
	if err != nil {
		t.Fatalf("NewLinfPGD() err = %v", err)
	}
	x := []byte{100, 200, 0}
	y := []byte{120, 150, 10}
	adv, err := attack.Perturb(x, y)
	if err != nil {
		t.Fatalf("Perturb() err = %v", err)
	}
	for i := range adv {
		diff := int(adv[i]) - int(x[i])
		if diff > 2 || diff < -2 {
			t.Fatalf("byte %d: delta %d exceeds eps=2", i, diff)
		}
	}
}

func TestLinfPGDRejectsNonPositiveEps(t *testing.T) {
	if _, err := NewLinfPGD([]byte(`{"eps":0}`), nil); err == nil {
		t.Fatalf("NewLinfPGD(eps=0) err = nil; want error")
	}
}
