package pretrained_test

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/graph"
	"github.com/sugarme/nlseg/pretrained"
)

// stem is a 3x3 conv without bias from 3 to cOut channels.
func stem(p *nn.Path, cOut int64) {
	base.Conv2d(p, graph.ConvSpec{In: 3, Out: cOut, Kernel: 3, Stride: 1, Padding: 1, Dilation: 1, Groups: 1})
}

func saveFeatures(t *testing.T, dir string, cOut int64) string {
	vs := nn.NewVarStore(gotch.CPU)
	stem(vs.Root().Sub("features").Sub("0"), cOut)
	base.Conv2d(vs.Root().Sub("classifier"), graph.ConvSpec{In: cOut, Out: 10, Kernel: 1, Stride: 1, Dilation: 1, Groups: 1, Bias: true})

	path := filepath.Join(dir, "mobilenetv2.ot")
	if err := vs.Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWithPrefix(t *testing.T) {
	dir, err := ioutil.TempDir("", "pretrained")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := saveFeatures(t, dir, 8)

	vs := nn.NewVarStore(gotch.CPU)
	stem(vs.Root().Sub("backbone").Sub("features").Sub("0"), 8)
	if err := pretrained.Load(vs, "backbone", "features", path); err != nil {
		t.Fatal(err)
	}

	bad := nn.NewVarStore(gotch.CPU)
	stem(bad.Root().Sub("backbone").Sub("features").Sub("0"), 16)
	if err := pretrained.Load(bad, "backbone", "features", path); !errors.Is(err, pretrained.ErrWeightLoad) {
		t.Errorf("shape mismatch: want ErrWeightLoad, got %v", err)
	}

	extra := nn.NewVarStore(gotch.CPU)
	stem(extra.Root().Sub("backbone").Sub("features").Sub("1"), 8)
	if err := pretrained.Load(extra, "backbone", "features", path); !errors.Is(err, pretrained.ErrWeightLoad) {
		t.Errorf("missing tensor: want ErrWeightLoad, got %v", err)
	}
}

func TestLocalStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "store")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := pretrained.NewStore(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Fetch(context.Background(), "mobilenetv2"); !errors.Is(err, pretrained.ErrWeightLoad) {
		t.Errorf("want ErrWeightLoad, got %v", err)
	}

	saveFeatures(t, dir, 4)
	path, err := store.Fetch(context.Background(), "mobilenetv2")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "mobilenetv2.ot" {
		t.Errorf("got %s", path)
	}
}

func TestS3Key(t *testing.T) {
	s, err := pretrained.NewS3Store("s3://models/backbones/", os.TempDir(), pretrained.S3Config{Endpoint: "http://127.0.0.1:9000"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Bucket != "models" {
		t.Errorf("bucket: got %q", s.Bucket)
	}
	if got := s.Key("mobilenetv2"); got != "backbones/mobilenetv2.ot" {
		t.Errorf("key: got %q", got)
	}

	if _, err := pretrained.NewS3Store("http://models", "", pretrained.S3Config{}); err == nil {
		t.Error("expected error for non s3 uri")
	}
}
