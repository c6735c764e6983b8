// Package dutil batches dataset items.
package dutil

import (
	"fmt"
	"math/rand"
	"reflect"
	"time"
)

// Dataset is an indexable collection of items of type DType.
type Dataset interface {
	Item(idx int) (interface{}, error)
	Len() int
	DType() reflect.Type
}

// Sampler yields batches of dataset indices.
type Sampler interface {
	Sample() [][]int
	BatchSize() int
}

// BatchSampler splits [0, n) into batches, optionally shuffled.
type BatchSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shuffle   bool
	rng       *rand.Rand
}

// NewBatchSampler creates a sampler over n items. shuffleOpt defaults to
// false.
func NewBatchSampler(n, batchSize int, dropLast bool, shuffleOpt ...bool) (*BatchSampler, error) {
	if n < 0 {
		return nil, fmt.Errorf("dutil: invalid dataset size %d", n)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("dutil: invalid batch size %d", batchSize)
	}
	shuffle := len(shuffleOpt) > 0 && shuffleOpt[0]

	return &BatchSampler{
		n:         n,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Seed makes shuffling reproducible.
func (s *BatchSampler) Seed(seed int64) { s.rng = rand.New(rand.NewSource(seed)) }

// BatchSize implements Sampler.
func (s *BatchSampler) BatchSize() int { return s.batchSize }

// Sample implements Sampler. A new permutation is drawn on every call when
// shuffling.
func (s *BatchSampler) Sample() [][]int {
	indices := make([]int, s.n)
	for i := range indices {
		indices[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	var batches [][]int
	for start := 0; start < s.n; start += s.batchSize {
		end := start + s.batchSize
		if end > s.n {
			if s.dropLast {
				break
			}
			end = s.n
		}
		batches = append(batches, indices[start:end])
	}
	return batches
}

// DataLoader iterates over the batches of a sampler.
type DataLoader struct {
	data    Dataset
	sampler Sampler
	batches [][]int
	current int
}

// NewDataLoader creates a loader.
func NewDataLoader(data Dataset, s Sampler) (*DataLoader, error) {
	if data == nil || s == nil {
		return nil, fmt.Errorf("dutil: nil dataset or sampler")
	}
	return &DataLoader{data: data, sampler: s, batches: s.Sample()}, nil
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int { return len(dl.batches) }

// HasNext reports whether a batch remains in the epoch.
func (dl *DataLoader) HasNext() bool { return dl.current < len(dl.batches) }

// Next returns the next batch as a slice of DType ([]DType).
func (dl *DataLoader) Next() (interface{}, error) {
	if !dl.HasNext() {
		return nil, fmt.Errorf("dutil: no batch left")
	}
	idx := dl.batches[dl.current]
	dl.current++

	items := reflect.MakeSlice(reflect.SliceOf(dl.data.DType()), 0, len(idx))
	for _, i := range idx {
		item, err := dl.data.Item(i)
		if err != nil {
			return nil, err
		}
		v := reflect.ValueOf(item)
		if v.Type() != dl.data.DType() {
			return nil, fmt.Errorf("dutil: item %d has type %v, expected %v", i, v.Type(), dl.data.DType())
		}
		items = reflect.Append(items, v)
	}
	return items.Interface(), nil
}

// Reset starts a new epoch with a fresh sample.
func (dl *DataLoader) Reset() {
	dl.batches = dl.sampler.Sample()
	dl.current = 0
}
