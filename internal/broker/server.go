// Package broker implements the HTTP Broker (spec §4.6): the single
// concurrent server that exposes the wire protocol of spec §6 over the
// Batch Store, Three-state Queue, Version Registry and Dataloader Driver.
//
// Lock order: this package's own `datasetMu` (guarding the installed
// Dataset/Dataloader pair) is always acquired before touching
// store/queue/versions, mirroring spec §4.6's data -> store -> free ->
// working -> done -> versions order. Within a single request handler,
// locks are acquired and released by the component methods they call
// (store.Store, queue.Queue, versions.Registry each guard themselves);
// handlers never hold two of those locks open across a call into a third
// component, so the only ordering obligation here is datasetMu first.
package broker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/szegedai/distributed-adversarial-training/internal/dataloader"
	"github.com/szegedai/distributed-adversarial-training/internal/queue"
	"github.com/szegedai/distributed-adversarial-training/internal/reaper"
	"github.com/szegedai/distributed-adversarial-training/internal/store"
	"github.com/szegedai/distributed-adversarial-training/internal/versions"
)

// pollInterval is the 0.5s granularity spec §4.6 requires for handlers
// that block on "no data yet" instead of busy-spinning.
const pollInterval = 500 * time.Millisecond

// Server is the Execution Server: it wires together the store, queue,
// version registry and dataloader driver, and serves spec §6's HTTP
// routes over them.
type Server struct {
	Store    *store.Store
	Queue    *queue.Queue
	Versions *versions.Registry
	Driver   *dataloader.Driver
	Params   *params

	datasetRegistry    *dataloader.DatasetRegistry
	dataloaderRegistry *dataloader.Registry

	datasetMu sync.Mutex
	dataset   dataloader.Dataset

	attack     blob
	model      blob
	modelState blob

	limiter *addrLimiter

	reaper *reaper.Reaper
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithRateLimit enables per-address request throttling at rps
// requests/sec with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = newAddrLimiter(rps, burst) }
}

// New builds a Server around fresh store/queue/versions state, using the
// given dataset and dataloader factory registries.
func New(datasetRegistry *dataloader.DatasetRegistry, dataloaderRegistry *dataloader.Registry, opts ...Option) *Server {
	s := store.New()
	q := queue.New(s)
	v := versions.New()
	d := dataloader.New(s, q)

	srv := &Server{
		Store:              s,
		Queue:              q,
		Versions:           v,
		Driver:             d,
		Params:             &params{},
		datasetRegistry:    datasetRegistry,
		dataloaderRegistry: dataloaderRegistry,
	}
	srv.reaper = reaper.New(q, v, srv.Params)
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// RunReaper starts the timeout reaper in the background until ctx is canceled.
func (s *Server) RunReaper(ctx context.Context) {
	go s.reaper.Run(ctx)
}

// Router builds the mux.Router serving spec §6's endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/dataset", s.handleDatasetPost).Methods(http.MethodPost)
	r.HandleFunc("/dataloader", s.handleDataloaderPost).Methods(http.MethodPost)
	r.HandleFunc("/attack", s.handleAttackPost).Methods(http.MethodPost)
	r.HandleFunc("/attack", s.handleAttackGet).Methods(http.MethodGet)
	r.HandleFunc("/model", s.handleModelPost).Methods(http.MethodPost)
	r.HandleFunc("/model", s.handleModelGet).Methods(http.MethodGet)
	r.HandleFunc("/model_state", s.handleModelStatePost).Methods(http.MethodPost)
	r.HandleFunc("/model_state", s.handleModelStateGet).Methods(http.MethodGet)
	r.HandleFunc("/parameters", s.handleParametersPost).Methods(http.MethodPost)
	r.HandleFunc("/reset", s.handleResetPost).Methods(http.MethodPost)

	r.HandleFunc("/num_batches", s.handleNumBatches).Methods(http.MethodGet)
	r.HandleFunc("/ids", s.handleIDs).Methods(http.MethodGet)
	r.HandleFunc("/clean_batch", s.handleCleanBatchGet).Methods(http.MethodGet)
	r.HandleFunc("/adv_batch", s.handleAdvBatchGet).Methods(http.MethodGet)
	r.HandleFunc("/adv_batch", s.handleAdvBatchPost).Methods(http.MethodPost)

	r.Use(s.rateLimitMiddleware)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// wait blocks for pollInterval or until the request is canceled (client
// disconnect), returning false in the latter case so callers can stop
// retrying instead of looping forever on a dead connection. It also
// returns early if ready fires, avoiding the full poll interval when a
// condition/notification is available — matching spec §4.6's "wait on a
// condition/notification or sleep-poll at 0.5s granularity" either-or.
func wait(ctx context.Context, ready <-chan struct{}) bool {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-ready:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func logHandlerError(path string, err error) {
	log.Printf("[broker] %s: %v", path, err)
}
