package dataset

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Sample is a pair of image and label paths.
type Sample struct {
	Image string
	Label string
}

// imagePath finds the image named name in dir.
func (fs *fileSystem) imagePath(dir, name string) (string, bool) {
	for _, ext := range imageExts {
		p := joinPath(dir, name+ext)
		if fs.exists(p) {
			return p, true
		}
	}
	return "", false
}

// listPairs pairs every file of <dir>/label with the image of the same base
// name in <dir>/image. Labels without an image are skipped with a warning.
func (fs *fileSystem) listPairs(dir string) ([]Sample, error) {
	imageDir := joinPath(dir, "image")
	labelDir := joinPath(dir, "label")

	names, err := fs.list(labelDir)
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for _, fname := range names {
		base := fname
		if i := strings.LastIndex(fname, "."); i >= 0 {
			base = fname[:i]
		}
		labelPath := joinPath(labelDir, fname)
		imgPath, ok := fs.imagePath(imageDir, base)
		if !ok || !fs.exists(labelPath) {
			log.Warnf("dataset: no image for label %s, skipped", labelPath)
			continue
		}
		samples = append(samples, Sample{Image: imgPath, Label: labelPath})
	}
	return samples, nil
}

// ListDirs lists the samples of root/split. For the train split it adds
// the val split when IncludeVal is set, and every sample of ExtraDir
// int(ExtraRepeatBase*ExtraRatio)+1 times when ExtraRatio > 0.
func ListDirs(root, split string, c LoaderConfig) ([]Sample, error) {
	fs := newFileSystem(c.UseZipReader)
	defer fs.Close()
	return fs.listDirs(root, split, c)
}

func (fs *fileSystem) listDirs(root, split string, c LoaderConfig) ([]Sample, error) {
	samples, err := fs.listPairs(joinPath(root, split))
	if err != nil {
		return nil, err
	}
	if split != "train" {
		return samples, nil
	}

	if c.IncludeVal {
		val, err := fs.listPairs(joinPath(root, "val"))
		if err != nil {
			return nil, err
		}
		samples = append(samples, val...)
	}

	if c.ExtraRatio > 0 {
		extra, err := fs.listPairs(joinPath(root, c.ExtraDir))
		if err != nil {
			return nil, err
		}
		repeat := ExtraRepeat(c.ExtraRepeatBase, c.ExtraRatio)
		for _, s := range extra {
			for i := 0; i < repeat; i++ {
				samples = append(samples, s)
			}
		}
		log.Infof("dataset: %d extra samples repeated %d times", len(extra), repeat)
	}

	return samples, nil
}

// ExtraRepeat returns how many times every extra sample is listed.
func ExtraRepeat(base, ratio float64) int {
	return int(base*ratio) + 1
}
