package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-detector/tensor"
)

// poolFeatures average-pools every [C, H, W] image of a [N, C, H, W] batch
// onto a pool×pool grid and flattens the result to one row per image
func poolFeatures(images *tensor.Tensor, pool int) ([]float64, int, error) {
	if len(images.Shape) != 4 {
		return nil, 0, fmt.Errorf("expected a [N, C, H, W] batch, got shape %v", images.Shape)
	}
	n, c, h, w := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	if h < pool || w < pool {
		return nil, 0, fmt.Errorf("image %dx%d is smaller than the %dx%d pooling grid", w, h, pool, pool)
	}

	dim := c * pool * pool
	out := make([]float64, n*dim)
	row := make([]float64, 0, w)

	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			plane := images.Data[(i*c+ch)*h*w : (i*c+ch+1)*h*w]
			for py := 0; py < pool; py++ {
				y0, y1 := py*h/pool, (py+1)*h/pool
				for px := 0; px < pool; px++ {
					x0, x1 := px*w/pool, (px+1)*w/pool
					sum := 0.0
					for y := y0; y < y1; y++ {
						row = append(row[:0], plane[y*w+x0:y*w+x1]...)
						sum += floats.Sum(row)
					}
					out[i*dim+(ch*pool+py)*pool+px] = sum / float64((y1-y0)*(x1-x0))
				}
			}
		}
	}

	return out, dim, nil
}

// encodeTargets builds the one-hot class matrix, normalized box targets and
// box mask from the first annotation of every image. Images without
// annotations are background (class 0) and carry no box loss.
func encodeTargets(labels []int, boxes [][4]float64, hasBox []bool, numClasses int, width, height float64) (onehot, boxTarget, mask []float64, err error) {
	n := len(labels)
	onehot = make([]float64, n*numClasses)
	boxTarget = make([]float64, n*4)
	mask = make([]float64, n*4)

	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, nil, nil, fmt.Errorf("image %d: class %d outside [0, %d)", i, label, numClasses)
		}
		onehot[i*numClasses+label] = 1
		if !hasBox[i] {
			continue
		}
		b := boxes[i]
		copy(boxTarget[i*4:], []float64{b[0] / width, b[1] / height, b[2] / width, b[3] / height})
		for j := 0; j < 4; j++ {
			mask[i*4+j] = 1
		}
	}
	return onehot, boxTarget, mask, nil
}

// logitShift returns the largest class logit of every row of features·w + b,
// with features [n, dim], w [dim, k] and b [1, k] in row-major order
func logitShift(features []float64, n, dim int, w, b []float64, k int) []float64 {
	shift := make([]float64, n)
	if n == 0 {
		return shift
	}

	var z mat.Dense
	z.Mul(mat.NewDense(n, dim, features), mat.NewDense(dim, k, w))
	for i := 0; i < n; i++ {
		row := z.RawRowView(i)
		floats.Add(row, b)
		shift[i] = floats.Max(row)
	}
	return shift
}
