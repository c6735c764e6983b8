package dataset_test

import (
	"archive/zip"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/config"
	"github.com/sugarme/nlseg/dataset"
)

func TestEncodeLabel(t *testing.T) {
	l := &dataset.Label{Width: 3, Height: 2, Pix: []int{7, 8, 26, 0, 7, 33}}
	got := dataset.EncodeLabel(l, []int{7, 8, 26})
	want := []int{0, 1, 2, 255, 0, 255}
	if !reflect.DeepEqual(got.Pix, want) {
		t.Errorf("want %v, got %v", want, got.Pix)
	}
	if l.Pix[0] != 7 {
		t.Error("source label modified")
	}
}

func TestReduceZeroLabel(t *testing.T) {
	l := &dataset.Label{Width: 4, Height: 1, Pix: []int{0, 1, 150, 255}}
	got := dataset.ReduceZeroLabel(l)
	want := []int{255, 0, 149, 255}
	if !reflect.DeepEqual(got.Pix, want) {
		t.Errorf("want %v, got %v", want, got.Pix)
	}
}

func TestLabelResize(t *testing.T) {
	l := &dataset.Label{Width: 2, Height: 2, Pix: []int{1, 2, 3, 255}}
	got := l.Resize(4, 4)
	want := []int{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 255, 255,
		3, 3, 255, 255,
	}
	if !reflect.DeepEqual(got.Pix, want) {
		t.Errorf("want %v, got %v", want, got.Pix)
	}
}

func TestExtraRepeat(t *testing.T) {
	if got := dataset.ExtraRepeat(dataset.DefaultExtraRepeatBase, 0.5); got != 8 {
		t.Errorf("want 8, got %d", got)
	}
	if got := dataset.ExtraRepeat(10, 0); got != 1 {
		t.Errorf("want 1, got %d", got)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func sampleImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}
	return img
}

func sampleLabel() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 4, 2))
	copy(g.Pix, []uint8{0, 1, 2, 3, 0, 1, 2, 3})
	return g
}

func makeTree(t *testing.T) string {
	root, err := ioutil.TempDir("", "dataset")
	if err != nil {
		t.Fatal(err)
	}
	for _, split := range []string{"train", "val", "extra"} {
		writePNG(t, filepath.Join(root, split, "image", "a.png"), sampleImage())
		writePNG(t, filepath.Join(root, split, "label", "a.png"), sampleLabel())
	}
	// label without an image
	writePNG(t, filepath.Join(root, "train", "label", "orphan.png"), sampleLabel())
	return root
}

func TestListDirs(t *testing.T) {
	root := makeTree(t)
	defer os.RemoveAll(root)

	c := dataset.DefaultLoaderConfig()
	samples, err := dataset.ListDirs(root, "train", c)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("want 1 sample, got %d", len(samples))
	}
	if want := filepath.Join(root, "train", "image", "a.png"); samples[0].Image != want {
		t.Errorf("want image %s, got %s", want, samples[0].Image)
	}

	c.IncludeVal = true
	c.ExtraDir = "extra"
	c.ExtraRatio = 1
	c.ExtraRepeatBase = 2
	samples, err = dataset.ListDirs(root, "train", c)
	if err != nil {
		t.Fatal(err)
	}
	// train + val + 3 x extra
	if len(samples) != 5 {
		t.Errorf("want 5 samples, got %d", len(samples))
	}

	// val and extra only extend the train split
	samples, err = dataset.ListDirs(root, "val", c)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Errorf("val: want 1 sample, got %d", len(samples))
	}
}

func TestListZip(t *testing.T) {
	dir, err := ioutil.TempDir("", "dataset")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	archive := filepath.Join(dir, "city.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, img := range map[string]image.Image{
		"train/image/a.png": sampleImage(),
		"train/label/a.png": sampleLabel(),
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(w, img); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c := dataset.DefaultLoaderConfig()
	c.UseZipReader = true
	c.LabelList = []int{1, 2, 3}
	l, err := dataset.NewLoader(archive+"@", "train", c)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if l.Len() != 1 {
		t.Fatalf("want 1 sample, got %d", l.Len())
	}
	item, err := l.Item(0)
	if err != nil {
		t.Fatal(err)
	}
	r := item.(dataset.Record)
	want := []int{255, 0, 1, 2, 255, 0, 1, 2}
	if !reflect.DeepEqual(r.Meta.OriTarget.Pix, want) {
		t.Errorf("want label %v, got %v", want, r.Meta.OriTarget.Pix)
	}
	r.Img.MustDrop()
	r.Labelmap.MustDrop()
}

func TestLoaderItem(t *testing.T) {
	root := makeTree(t)
	defer os.RemoveAll(root)

	c := dataset.DefaultLoaderConfig()
	c.ReduceZeroLabel = true
	c.InputSize = []int{8, 4}
	c.InputMode = dataset.ModeBGR
	l, err := dataset.NewLoader(root, "train", c)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	item, err := l.Item(0)
	if err != nil {
		t.Fatal(err)
	}
	r := item.(dataset.Record)
	if got, want := r.Img.MustSize(), []int64{3, 4, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("image: want %v, got %v", want, got)
	}
	if got, want := r.Labelmap.MustSize(), []int64{4, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("label: want %v, got %v", want, got)
	}
	if r.Meta.OriImgWH != [2]int{4, 2} {
		t.Errorf("want original size [4 2], got %v", r.Meta.OriImgWH)
	}

	// BGR: the first channel is blue (51/255 - 0.406) / 0.225
	first := r.Img.Float64Values()[0]
	if want := (51.0/255 - 0.406) / 0.225; math.Abs(first-want) > 1e-5 {
		t.Errorf("want %v, got %v", want, first)
	}
	labels := r.Labelmap.Int64Values()
	if labels[0] != 255 || labels[2] != 0 {
		t.Errorf("unexpected label row %v", labels[:8])
	}

	batch, err := dataset.Stack([]dataset.Record{r})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := batch.Img.MustSize(), []int64{1, 3, 4, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("batch: want %v, got %v", want, got)
	}
	batch.MustDrop()

	if _, err := l.Item(5); err == nil {
		t.Error("want out of range error")
	}
}

func TestLoaderConfigFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
use_zipreader: true
extra_msrab_ratio: 0.25
data:
  image_tool: cv2
  input_mode: BGR
  label_list: [7, 8, 11]
  reduce_zero_label: true
  include_val: true
  input_size: [1024, 512]
normalize:
  div_value: 1.0
  mean: [104.0, 117.0, 123.0]
  std: [1.0, 1.0, 1.0]
`))
	if err != nil {
		t.Fatal(err)
	}
	c, err := dataset.LoaderConfigFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !c.UseZipReader || c.ImageTool != "cv2" || c.InputMode != "BGR" || !c.ReduceZeroLabel || !c.IncludeVal {
		t.Errorf("unexpected flags %+v", c)
	}
	if !reflect.DeepEqual(c.LabelList, []int{7, 8, 11}) || !reflect.DeepEqual(c.InputSize, []int{1024, 512}) {
		t.Errorf("unexpected lists %+v", c)
	}
	if c.ExtraRatio != 0.25 || c.ExtraRepeatBase != dataset.DefaultExtraRepeatBase || c.Mean[0] != 104 {
		t.Errorf("unexpected values %+v", c)
	}

	cfg.Set("data.image_tool", "opencv")
	if _, err := dataset.LoaderConfigFromConfig(cfg); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("want ErrConfiguration, got %v", err)
	}
}

func record(h, w int64) dataset.Record {
	return dataset.Record{
		Img:      ts.MustZeros([]int64{3, h, w}, gotch.Float, gotch.CPU),
		Labelmap: ts.MustZeros([]int64{h, w}, gotch.Int64, gotch.CPU),
	}
}

func TestStackSizeMismatch(t *testing.T) {
	b, err := dataset.Stack([]dataset.Record{record(4, 8), record(4, 8)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.Labelmap.MustSize(), []int64{2, 4, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}
	b.MustDrop()

	if b, err := dataset.Stack([]dataset.Record{record(4, 8), record(8, 8)}); err == nil || b != nil {
		t.Errorf("image size mismatch: want error, got %v", err)
	}

	odd := record(4, 8)
	odd.Labelmap.MustDrop()
	odd.Labelmap = ts.MustZeros([]int64{2, 8}, gotch.Int64, gotch.CPU)
	if b, err := dataset.Stack([]dataset.Record{record(4, 8), odd}); err == nil || b != nil {
		t.Errorf("label size mismatch: want error, got %v", err)
	}

	if _, err := dataset.Stack(nil); err == nil {
		t.Error("empty batch: want error")
	}
}
