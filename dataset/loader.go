package dataset

import (
	"fmt"
	"image"
	"reflect"

	log "github.com/sirupsen/logrus"
	ts "github.com/sugarme/gotch/tensor"
)

// Meta describes a sample before transformation.
type Meta struct {
	// OriImgWH is the decoded image size.
	OriImgWH [2]int
	// BorderWH is the image size after augmentation, before resizing.
	BorderWH [2]int
	// OriTarget is the label map after encoding, before resizing.
	OriTarget *Label
}

// Record is a loaded sample.
type Record struct {
	Img      *ts.Tensor // [3 H W] float
	Labelmap *ts.Tensor // [H W] int64
	Meta     Meta
}

// Loader reads the samples of a split. It implements dutil.Dataset.
type Loader struct {
	conf    LoaderConfig
	fs      *fileSystem
	samples []Sample
}

// NewLoader lists root/split.
func NewLoader(root, split string, c LoaderConfig) (*Loader, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fs := newFileSystem(c.UseZipReader)
	samples, err := fs.listDirs(root, split, c)
	if err != nil {
		fs.Close()
		return nil, err
	}
	log.Infof("dataset: %s/%s has %d samples", root, split, len(samples))

	return &Loader{conf: c, fs: fs, samples: samples}, nil
}

// Len implements dutil.Dataset.
func (l *Loader) Len() int { return len(l.samples) }

// Samples returns the listed samples.
func (l *Loader) Samples() []Sample { return l.samples }

// DType implements dutil.Dataset.
func (l *Loader) DType() reflect.Type { return reflect.TypeOf(Record{}) }

// Item implements dutil.Dataset. It returns a Record.
func (l *Loader) Item(idx int) (interface{}, error) {
	if idx < 0 || idx >= len(l.samples) {
		return nil, fmt.Errorf("dataset: index %d out of range [0, %d)", idx, len(l.samples))
	}
	s := l.samples[idx]

	img, err := l.readImage(s.Image)
	if err != nil {
		return nil, err
	}
	label, err := l.readLabel(s.Label)
	if err != nil {
		return nil, err
	}

	return l.Transform(img, label)
}

func (l *Loader) readImage(p string) (*image.NRGBA, error) {
	data, err := l.fs.readFile(p)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(data, p, l.conf.ImageTool)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return toNRGBA(img), nil
}

func (l *Loader) readLabel(p string) (*Label, error) {
	data, err := l.fs.readFile(p)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(data, p, ToolCV2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return labelFromImage(img), nil
}

// Transform encodes the label map, resizes both to InputSize and converts
// them to tensors.
func (l *Loader) Transform(img *image.NRGBA, label *Label) (Record, error) {
	b := img.Bounds()
	if b.Dx() != label.Width || b.Dy() != label.Height {
		return Record{}, fmt.Errorf("dataset: image is %dx%d but label is %dx%d", b.Dx(), b.Dy(), label.Width, label.Height)
	}

	if len(l.conf.LabelList) > 0 {
		label = EncodeLabel(label, l.conf.LabelList)
	}
	if l.conf.ReduceZeroLabel {
		label = ReduceZeroLabel(label)
	}

	meta := Meta{
		OriImgWH:  [2]int{b.Dx(), b.Dy()},
		BorderWH:  [2]int{b.Dx(), b.Dy()},
		OriTarget: label,
	}

	w, h := b.Dx(), b.Dy()
	if len(l.conf.InputSize) == 2 {
		w, h = l.conf.InputSize[0], l.conf.InputSize[1]
		img = resizeImage(img, w, h)
		label = label.Resize(w, h)
	}

	values := imageValues(img, l.conf.InputMode, l.conf.DivValue, l.conf.Mean, l.conf.Std)
	imgTs := ts.MustOfSlice(values).MustView([]int64{3, int64(h), int64(w)}, true)
	labelTs := ts.MustOfSlice(label.Int64s()).MustView([]int64{int64(h), int64(w)}, true)

	return Record{Img: imgTs, Labelmap: labelTs, Meta: meta}, nil
}

// Close releases open archives.
func (l *Loader) Close() error { return l.fs.Close() }

// Batch is a stack of records.
type Batch struct {
	Img      *ts.Tensor // [N 3 H W]
	Labelmap *ts.Tensor // [N H W]
	Meta     []Meta
}

// MustDrop releases the batch tensors.
func (b *Batch) MustDrop() {
	b.Img.MustDrop()
	b.Labelmap.MustDrop()
}

// Stack stacks records of equal size into a batch. The record tensors are
// dropped whether or not stacking succeeds.
func Stack(records []Record) (*Batch, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset: empty batch")
	}
	defer func() {
		for _, r := range records {
			r.Img.MustDrop()
			r.Labelmap.MustDrop()
		}
	}()

	imgSize := records[0].Img.MustSize()
	labelSize := records[0].Labelmap.MustSize()
	var (
		imgs, labels []ts.Tensor
		metas        []Meta
	)
	for i, r := range records {
		if got := r.Img.MustSize(); !reflect.DeepEqual(got, imgSize) {
			return nil, fmt.Errorf("dataset: record %d has image size %v, expected %v", i, got, imgSize)
		}
		if got := r.Labelmap.MustSize(); !reflect.DeepEqual(got, labelSize) {
			return nil, fmt.Errorf("dataset: record %d has label size %v, expected %v", i, got, labelSize)
		}
		imgs = append(imgs, *r.Img)
		labels = append(labels, *r.Labelmap)
		metas = append(metas, r.Meta)
	}

	return &Batch{
		Img:      ts.MustStack(imgs, 0),
		Labelmap: ts.MustStack(labels, 0),
		Meta:     metas,
	}, nil
}
