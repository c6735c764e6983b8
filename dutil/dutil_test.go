package dutil_test

import (
	"reflect"
	"sort"
	"testing"

	"github.com/sugarme/nlseg/dutil"
)

type intDataset []int

func (d intDataset) Item(idx int) (interface{}, error) { return d[idx], nil }
func (d intDataset) Len() int                         { return len(d) }
func (d intDataset) DType() reflect.Type              { return reflect.TypeOf(0) }

func TestBatchSampler(t *testing.T) {
	s, err := dutil.NewBatchSampler(10, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}
	if got := s.Sample(); !reflect.DeepEqual(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}

	s, err = dutil.NewBatchSampler(10, 4, true, true)
	if err != nil {
		t.Fatal(err)
	}
	s.Seed(1)
	batches := s.Sample()
	if len(batches) != 2 {
		t.Fatalf("drop last: want 2 batches, got %d", len(batches))
	}
	seen := map[int]bool{}
	for _, b := range batches {
		for _, i := range b {
			if seen[i] {
				t.Errorf("index %d sampled twice", i)
			}
			seen[i] = true
		}
	}

	if _, err := dutil.NewBatchSampler(10, 0, true); err == nil {
		t.Error("want error for zero batch size")
	}
}

func TestDataLoader(t *testing.T) {
	ds := intDataset{10, 11, 12, 13, 14}
	s, err := dutil.NewBatchSampler(ds.Len(), 2, false, true)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := dutil.NewDataLoader(ds, s)
	if err != nil {
		t.Fatal(err)
	}

	for epoch := 0; epoch < 2; epoch++ {
		dl.Reset()
		var all []int
		for dl.HasNext() {
			b, err := dl.Next()
			if err != nil {
				t.Fatal(err)
			}
			all = append(all, b.([]int)...)
		}
		sort.Ints(all)
		if !reflect.DeepEqual(all, []int(ds)) {
			t.Errorf("epoch %d: want %v, got %v", epoch, ds, all)
		}
		if _, err := dl.Next(); err == nil {
			t.Error("want error after the last batch")
		}
	}
}
