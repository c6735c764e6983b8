// Package backbone builds MobileNetV2 feature extractors: the plain network,
// dilated variants with output stride 8 or 16 and a feature pyramid variant.
package backbone

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/nlseg/base"
	"github.com/sugarme/nlseg/graph"
)

// Stage layout of MobileNetV2 features without the final 1x1 projection.
var (
	// DownIdx are the stages whose first convolution halves the resolution.
	DownIdx = []int{2, 4, 7, 14}
	// PyramidIdx are the stages tapped by the feature pyramid.
	PyramidIdx = []int{6, 13, 17}
	// PyramidChannels are the channel counts of the PyramidIdx stages.
	PyramidChannels = []int64{32, 96, 320}
)

const (
	// SplitIdx separates the deep supervision feature (output of stage
	// SplitIdx-1) from the deepest one.
	SplitIdx = 15
	// DSNIdx is the stage tapped for deep supervision by the pyramid.
	DSNIdx = 14

	numFeatures    = 320
	dsnFeatures    = 160
	lateralChannel = 32
)

// FeatureExtractor produces the feature maps consumed by segmentation heads.
type FeatureExtractor interface {
	// ForwardAll returns the deep supervision feature map followed by the
	// deepest feature map.
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
	// NumFeatures is the channel count of the deepest feature map.
	NumFeatures() int64
	// DSNFeatures is the channel count of the deep supervision feature map.
	DSNFeatures() int64
	// Trees returns every layer tree, for fusion.
	Trees() []*base.Tree
}

// featureGraph returns MobileNetV2 features without the last stage.
func featureGraph() *graph.Graph {
	g := MobileNetV2Graph(1.0)
	features, err := g.Truncate(g.NumStages() - 1)
	if err != nil {
		panic(err)
	}
	return features
}

func checkSplit(g *graph.Graph) error {
	if SplitIdx <= 0 || SplitIdx >= g.NumStages() {
		return fmt.Errorf("%w: split index %d out of range [1, %d)", graph.ErrStructuralMismatch, SplitIdx, g.NumStages())
	}
	return nil
}

func forwardPair(features *base.Tree, x *ts.Tensor, train bool) []*ts.Tensor {
	f1 := features.ForwardStages(x, 0, SplitIdx, train)
	f2 := features.ForwardStages(f1, SplitIdx, features.NumStages(), train)
	return []*ts.Tensor{f1, f2}
}

// MobileNetV2 is the undilated feature extractor (output stride 32).
type MobileNetV2 struct {
	features *base.Tree
}

// NewMobileNetV2 builds the features described by g under p.
func NewMobileNetV2(p *nn.Path, g *graph.Graph) (*MobileNetV2, error) {
	if err := checkSplit(g); err != nil {
		return nil, err
	}
	return &MobileNetV2{features: base.NewTree(p, g)}, nil
}

// ForwardAll implements FeatureExtractor for MobileNetV2.
func (m *MobileNetV2) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	return forwardPair(m.features, x, train)
}

// ForwardT implements ts.ModuleT, returning the deepest feature map.
func (m *MobileNetV2) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return m.features.ForwardT(x, train)
}

func (m *MobileNetV2) NumFeatures() int64  { return numFeatures }
func (m *MobileNetV2) DSNFeatures() int64  { return dsnFeatures }
func (m *MobileNetV2) Trees() []*base.Tree { return []*base.Tree{m.features} }
