package dataset

import (
	"image"

	"github.com/nfnt/resize"
)

// IgnoreLabel marks pixels excluded from training and evaluation.
const IgnoreLabel = 255

// Label is a per-pixel class id map in row-major order.
type Label struct {
	Width, Height int
	Pix           []int
}

// NewLabel returns a w x h label map filled with v.
func NewLabel(w, h, v int) *Label {
	l := &Label{Width: w, Height: h, Pix: make([]int, w*h)}
	if v != 0 {
		for i := range l.Pix {
			l.Pix[i] = v
		}
	}
	return l
}

// labelFromImage reads raw pixel values (palette indices for paletted
// images).
func labelFromImage(img image.Image) *Label {
	g := toGray(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	l := &Label{Width: w, Height: h, Pix: make([]int, w*h)}
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < w; x++ {
			l.Pix[y*w+x] = int(row[x])
		}
	}
	return l
}

// Clone returns a deep copy of l.
func (l *Label) Clone() *Label {
	return &Label{Width: l.Width, Height: l.Height, Pix: append([]int(nil), l.Pix...)}
}

// EncodeLabel maps source class ids to their position in labelList. Pixels
// whose id is not listed become IgnoreLabel.
func EncodeLabel(l *Label, labelList []int) *Label {
	out := NewLabel(l.Width, l.Height, IgnoreLabel)
	for i, id := range labelList {
		for j, v := range l.Pix {
			if v == id {
				out.Pix[j] = i
			}
		}
	}
	return out
}

// ReduceZeroLabel shifts class ids down by one, turning 0 into IgnoreLabel
// and keeping IgnoreLabel.
func ReduceZeroLabel(l *Label) *Label {
	out := l.Clone()
	for i, v := range out.Pix {
		if v == 0 {
			v = IgnoreLabel
		}
		v--
		if v == IgnoreLabel-1 {
			v = IgnoreLabel
		}
		out.Pix[i] = v
	}
	return out
}

// Resize resizes l to w x h with nearest neighbour interpolation.
func (l *Label) Resize(w, h int) *Label {
	if l.Width == w && l.Height == h {
		return l.Clone()
	}
	resized := resize.Resize(uint(w), uint(h), grayImage(l), resize.NearestNeighbor)
	return labelFromImage(resized)
}

// Int64s returns the label values as int64.
func (l *Label) Int64s() []int64 {
	out := make([]int64, len(l.Pix))
	for i, v := range l.Pix {
		out[i] = int64(v)
	}
	return out
}
