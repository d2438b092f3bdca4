package dataloader

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// InMemoryDataset is a reference Dataset factory product: a fixed slice
// of pre-assembled (x, y) batches held in memory. It exists so the
// module is runnable end to end without a real ML stack plugged in; a
// production deployment registers its own dataset/dataloader factories
// against the same registries instead.
type InMemoryDataset struct {
	Batches []Example
}

type inMemoryDatasetParams struct {
	Batches []struct {
		X []byte `json:"x"`
		Y []byte `json:"y"`
	} `json:"batches"`
}

// NewInMemoryDataset builds an InMemoryDataset from JSON params of the
// form {"batches":[{"x":"...","y":"..."}]} (x/y are base64 per
// encoding/json's []byte handling).
func NewInMemoryDataset(params json.RawMessage) (Dataset, error) {
	var p inMemoryDatasetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("in_memory dataset: %w", err)
	}
	ds := &InMemoryDataset{Batches: make([]Example, 0, len(p.Batches))}
	for _, b := range p.Batches {
		ds.Batches = append(ds.Batches, Example{X: b.X, Y: b.Y})
	}
	if len(ds.Batches) == 0 {
		return nil, fmt.Errorf("in_memory dataset: at least one batch is required")
	}
	return ds, nil
}

// SequentialDataloader iterates an InMemoryDataset's batches in order
// (or freshly shuffled per epoch), cycling forever at the Driver level.
type SequentialDataloader struct {
	dataset *InMemoryDataset
	shuffle bool
}

type sequentialDataloaderParams struct {
	Shuffle bool `json:"shuffle"`
}

// NewSequentialDataloader builds a SequentialDataloader from JSON params
// of the form {"shuffle": true} over whatever Dataset is currently
// installed, which must be an *InMemoryDataset.
func NewSequentialDataloader(params json.RawMessage, dataset Dataset) (Dataloader, error) {
	ds, ok := dataset.(*InMemoryDataset)
	if !ok {
		return nil, fmt.Errorf("sequential dataloader: requires an in_memory dataset, got %T", dataset)
	}
	var p sequentialDataloaderParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sequential dataloader: %w", err)
		}
	}
	return &SequentialDataloader{dataset: ds, shuffle: p.Shuffle}, nil
}

// Len reports the number of batches per epoch.
func (d *SequentialDataloader) Len() int { return len(d.dataset.Batches) }

// Iterator returns a fresh single-epoch iterator, reshuffling order if
// configured to.
func (d *SequentialDataloader) Iterator() Iterator {
	order := make([]int, len(d.dataset.Batches))
	for i := range order {
		order[i] = i
	}
	if d.shuffle {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &sequentialIterator{dataset: d.dataset, order: order}
}

type sequentialIterator struct {
	dataset *InMemoryDataset
	order   []int
	pos     int
}

func (it *sequentialIterator) Next() (Example, error) {
	if it.pos >= len(it.order) {
		return Example{}, ErrExhausted
	}
	ex := it.dataset.Batches[it.order[it.pos]]
	it.pos++
	return ex, nil
}
