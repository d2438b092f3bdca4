// Package workernode implements the Worker Loop (spec §4.8, C8): a
// single process that polls the ES for version changes, refreshes its
// locally-built attack/model/weights when they change, pulls a clean
// batch, perturbs it, and posts the result back.
//
// Per spec §9 Design Note 3, all per-worker state (device, current
// attack, current model, cached version triple) lives in a WorkerContext
// struct threaded through the loop instead of module-level globals.
package workernode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/szegedai/distributed-adversarial-training/internal/registry"
	"github.com/szegedai/distributed-adversarial-training/internal/transport"
	"github.com/szegedai/distributed-adversarial-training/internal/versions"
	"github.com/szegedai/distributed-adversarial-training/internal/wireformat"
)

// Model is deliberately opaque: built by a registered factory, consumed
// only by attacks that know its concrete type.
type Model = interface{}

// StatefulModel is implemented by models that accept weight updates via
// POST /model_state.
type StatefulModel interface {
	LoadState(state []byte) error
}

// Attack perturbs a (x, y) pair against the worker's current model.
type Attack interface {
	Perturb(x, y []byte) (advX []byte, err error)
}

// ModelRegistry resolves a registry.Spec to a Model.
type ModelRegistry = registry.Registry[Model]

// NewModelRegistry returns an empty ModelRegistry.
func NewModelRegistry() *ModelRegistry { return registry.New[Model]() }

// AttackConstructor builds an Attack from params and the worker's
// current model. Like dataloader.Constructor, this needs an extra
// argument beyond registry.Constructor's signature, since every attack
// this module knows about perturbs against a specific model.
type AttackConstructor func(params json.RawMessage, model Model) (Attack, error)

// AttackRegistry resolves a registry.Spec plus a Model to an Attack.
type AttackRegistry struct {
	constructors map[string]AttackConstructor
}

// NewAttackRegistry returns an empty AttackRegistry.
func NewAttackRegistry() *AttackRegistry {
	return &AttackRegistry{constructors: make(map[string]AttackConstructor)}
}

// Register adds a named Attack constructor.
func (r *AttackRegistry) Register(name string, ctor AttackConstructor) {
	r.constructors[name] = ctor
}

// Build resolves spec.Factory against model.
func (r *AttackRegistry) Build(spec registry.Spec, model Model) (Attack, error) {
	ctor, ok := r.constructors[spec.Factory]
	if !ok {
		return nil, fmt.Errorf("workernode: unknown attack factory %q", spec.Factory)
	}
	return ctor(spec.Params, model)
}

// WorkerContext holds everything one worker iteration needs, replacing
// the original implementation's module-level device/model/attack
// globals.
type WorkerContext struct {
	Device string

	model      Model
	modelSpec  registry.Spec
	modelSet   bool
	attack     Attack
	attackSpec registry.Spec
	attackSet  bool

	cachedAttackID, cachedArchID, cachedStateID uint64
	haveCachedIDs                               bool
}

// Worker runs the poll/refresh/perturb loop against one Execution Server.
type Worker struct {
	ID             string
	Transport      *transport.Client
	ModelRegistry  *ModelRegistry
	AttackRegistry *AttackRegistry
	ctx            *WorkerContext
}

// New returns a Worker bound to the given ES transport and device.
func New(t *transport.Client, device string, modelRegistry *ModelRegistry, attackRegistry *AttackRegistry) *Worker {
	return &Worker{
		ID:             uuid.NewString(),
		Transport:      t,
		ModelRegistry:  modelRegistry,
		AttackRegistry: attackRegistry,
		ctx:            &WorkerContext{Device: device},
	}
}

// Run executes iterations of the worker loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[worker %s] starting on device %s", w.ID, w.ctx.Device)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[worker %s] iteration error: %v", w.ID, err)
		}
	}
}

// iterate performs exactly one poll/refresh/perturb/post cycle (spec §4.8).
func (w *Worker) iterate(ctx context.Context) error {
	idsBytes, err := w.Transport.Get(ctx, "/ids")
	if err != nil {
		return fmt.Errorf("GET /ids: %w", err)
	}
	attackID, archID, stateID, ok := versions.Decode(idsBytes)
	if !ok {
		return fmt.Errorf("GET /ids: malformed %d-byte response", len(idsBytes))
	}

	if !w.ctx.haveCachedIDs || attackID != w.ctx.cachedAttackID {
		if err := w.refreshAttack(ctx); err != nil {
			return err
		}
		w.ctx.cachedAttackID = attackID
	}
	if !w.ctx.haveCachedIDs || archID != w.ctx.cachedArchID {
		if err := w.refreshModel(ctx); err != nil {
			return err
		}
		w.ctx.cachedArchID = archID
	}
	if !w.ctx.haveCachedIDs || stateID != w.ctx.cachedStateID {
		if err := w.refreshModelState(ctx); err != nil {
			return err
		}
		w.ctx.cachedStateID = stateID
	}
	w.ctx.haveCachedIDs = true

	cleanBytes, err := w.Transport.Get(ctx, "/clean_batch")
	if err != nil {
		return fmt.Errorf("GET /clean_batch: %w", err)
	}
	id, payload, err := wireformat.DecodeIDPrefixed(cleanBytes)
	if err != nil {
		return fmt.Errorf("decode /clean_batch: %w", err)
	}
	x, y, err := wireformat.DecodePair(payload)
	if err != nil {
		return fmt.Errorf("decode clean pair: %w", err)
	}

	if w.ctx.attack == nil {
		return fmt.Errorf("no attack installed, cannot perturb batch %d", id)
	}
	advX, err := w.ctx.attack.Perturb(x, y)
	if err != nil {
		return fmt.Errorf("perturb batch %d: %w", id, err)
	}

	advBody := wireformat.EncodeIDPrefixed(id, wireformat.EncodePair(advX, y))
	if err := w.Transport.Post(ctx, "/adv_batch", advBody); err != nil {
		return fmt.Errorf("POST /adv_batch for batch %d: %w", id, err)
	}
	return nil
}

func (w *Worker) refreshAttack(ctx context.Context) error {
	raw, err := w.Transport.Get(ctx, "/attack")
	if err != nil {
		return fmt.Errorf("GET /attack: %w", err)
	}
	spec, err := registry.DecodeSpec(raw)
	if err != nil {
		return fmt.Errorf("decode attack spec: %w", err)
	}
	w.ctx.attackSpec = spec
	w.ctx.attackSet = true
	return w.rebuildAttack()
}

func (w *Worker) refreshModel(ctx context.Context) error {
	raw, err := w.Transport.Get(ctx, "/model")
	if err != nil {
		return fmt.Errorf("GET /model: %w", err)
	}
	spec, err := registry.DecodeSpec(raw)
	if err != nil {
		return fmt.Errorf("decode model spec: %w", err)
	}
	model, err := w.ModelRegistry.Build(spec)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	w.ctx.modelSpec = spec
	w.ctx.modelSet = true
	w.ctx.model = model
	// The attack perturbs against a specific model instance; a changed
	// architecture means any previously-built attack must be rebuilt
	// against the new model (mirrors the original's `attack.model = model`).
	return w.rebuildAttack()
}

func (w *Worker) rebuildAttack() error {
	if !w.ctx.attackSet || !w.ctx.modelSet {
		return nil
	}
	attack, err := w.AttackRegistry.Build(w.ctx.attackSpec, w.ctx.model)
	if err != nil {
		return fmt.Errorf("build attack: %w", err)
	}
	w.ctx.attack = attack
	return nil
}

func (w *Worker) refreshModelState(ctx context.Context) error {
	raw, err := w.Transport.Get(ctx, "/model_state")
	if err != nil {
		return fmt.Errorf("GET /model_state: %w", err)
	}
	if !w.ctx.modelSet {
		return fmt.Errorf("model_state received before model architecture")
	}
	stateful, ok := w.ctx.model.(StatefulModel)
	if !ok {
		return nil
	}
	return stateful.LoadState(raw)
}
