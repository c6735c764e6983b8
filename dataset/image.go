package dataset

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// imageExts are tried in order when looking up the image of a label file.
var imageExts = []string{".jpg", ".png", ".jpeg", ".bmp", ".tif", ".tiff", ".JPG", ".PNG", ".JPEG"}

// decodeImage decodes data according to the file extension of name.
func decodeImage(data []byte, name, tool string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff":
		return tiff.Decode(r)
	case ".bmp":
		return bmp.Decode(r)
	case ".png", ".jpg", ".jpeg":
		if tool == ToolPIL {
			return imaging.Decode(r, imaging.AutoOrientation(true))
		}
		img, _, err := image.Decode(r)
		return img, err
	default:
		return nil, fmt.Errorf("unsupported image format: %v", filepath.Ext(name))
	}
}

// toNRGBA converts img to non-premultiplied RGBA.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	return imaging.Clone(img)
}

// resizeImage resizes img to w x h with bilinear interpolation.
func resizeImage(img *image.NRGBA, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Linear)
}

// imageValues returns the pixels of img as a CHW float32 slice in the given
// channel order, divided by div and normalised with mean and std (given in
// RGB order).
func imageValues(img *image.NRGBA, mode string, div float64, mean, std []float64) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)

	order := [3]int{0, 1, 2}
	if mode == ModeBGR {
		order = [3]int{2, 1, 0}
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for c, src := range order {
				v := float64(px[src])/div - mean[src]
				out[c*plane+y*w+x] = float32(v / std[src])
			}
		}
	}
	return out
}

// toGray draws img onto a gray image. Paletted and gray images keep their
// raw indices.
func toGray(img image.Image) *image.Gray {
	switch m := img.(type) {
	case *image.Gray:
		return m
	case *image.Paletted:
		g := image.NewGray(image.Rect(0, 0, m.Bounds().Dx(), m.Bounds().Dy()))
		for y := 0; y < m.Bounds().Dy(); y++ {
			copy(g.Pix[y*g.Stride:y*g.Stride+g.Rect.Dx()], m.Pix[y*m.Stride:])
		}
		return g
	}
	g := image.NewGray(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(g, g.Bounds(), img, img.Bounds().Min, draw.Src)
	return g
}

// grayImage turns label values (0..255) into a gray image.
func grayImage(l *Label) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, l.Width, l.Height))
	for i, v := range l.Pix {
		g.Pix[i] = uint8(v)
	}
	return g
}
