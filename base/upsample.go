package base

import (
	"reflect"

	ts "github.com/sugarme/gotch/tensor"
)

// Upsample resizes x ([B C H W]) to outSize ([H W]) with bilinear
// interpolation. The input is not dropped.
func Upsample(x *ts.Tensor, outSize []int64, alignCorners bool) *ts.Tensor {
	xSize := x.MustSize()
	if reflect.DeepEqual(xSize[2:], outSize) {
		return x.MustShallowClone()
	}

	return x.MustUpsampleBilinear2d(outSize, alignCorners, nil, nil, false)
}

// UpsampleLike resizes x to the spatial size of ref.
func UpsampleLike(x, ref *ts.Tensor, alignCorners bool) *ts.Tensor {
	return Upsample(x, ref.MustSize()[2:], alignCorners)
}
