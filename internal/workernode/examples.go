package workernode

import (
	"encoding/json"
	"fmt"
)

// InMemoryModel is a reference Model: an opaque weight blob plus an
// architecture tag, good enough to exercise the wire protocol and the
// LinfPGD example attack without a real tensor backend.
type InMemoryModel struct {
	Architecture string
	Weights      []byte
}

type modelParams struct {
	Architecture string `json:"architecture"`
}

// NewInMemoryModel is registered under the "in_memory" factory name.
func NewInMemoryModel(raw json.RawMessage) (Model, error) {
	var p modelParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("in_memory model params: %w", err)
		}
	}
	return &InMemoryModel{Architecture: p.Architecture}, nil
}

// LoadState implements StatefulModel.
func (m *InMemoryModel) LoadState(state []byte) error {
	m.Weights = append([]byte(nil), state...)
	return nil
}

// linfPGDParams configures LinfPGD: the perturbation budget eps and the
// number of gradient-free steps to take per batch.
type linfPGDParams struct {
	Eps   int `json:"eps"`
	Steps int `json:"steps"`
}

// LinfPGD is a reference stand-in for the original implementation's
// LinfPGDAttack. Without a tensor/autodiff backend there is no gradient
// to ascend, so each step nudges every byte of x toward the sign of its
// distance from the matching byte of y, clamped to +/-eps around the
// clean value -- enough to exercise the attack/model/state wiring and
// the worker loop end to end.
type LinfPGD struct {
	eps   int
	steps int
	model Model
}

// NewLinfPGD is registered under the "linf_pgd" factory name.
func NewLinfPGD(raw json.RawMessage, model Model) (Attack, error) {
	p := linfPGDParams{Eps: 8, Steps: 1}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("linf_pgd params: %w", err)
		}
	}
	if p.Eps <= 0 {
		return nil, fmt.Errorf("linf_pgd: eps must be positive, got %d", p.Eps)
	}
	if p.Steps <= 0 {
		p.Steps = 1
	}
	return &LinfPGD{eps: p.Eps, steps: p.Steps, model: model}, nil
}

// Perturb implements Attack.
func (a *LinfPGD) Perturb(x, y []byte) ([]byte, error) {
	adv := append([]byte(nil), x...)
	for step := 0; step < a.steps; step++ {
		for i := range adv {
			target := byte(0)
			if i < len(y) {
				target = y[i]
			}
			delta := clampByte(int(target)-int(x[i]), a.eps)
			adv[i] = clampAround(x[i], delta, a.eps)
		}
	}
	return adv, nil
}

func clampByte(v, limit int) int {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func clampAround(base byte, delta, eps int) byte {
	v := int(base) + clampByte(delta, eps)
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return byte(v)
}
