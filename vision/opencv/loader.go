// Package opencv decodes training images with OpenCV through gocv.
package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/tsawler/go-detector/tensor"
)

// Loader reads images from disk and converts them to normalized RGB CHW tensors.
// A positive Size resizes every image to Size×Size so that batches stack.
type Loader struct {
	Size int
}

// NewLoader creates a loader that resizes images to size×size
func NewLoader(size int) *Loader {
	return &Loader{Size: size}
}

// Load implements dataset.ImageLoader. The returned size is the file's
// width and height before resizing.
func (l *Loader) Load(path string) (*tensor.Tensor, image.Point, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return nil, image.Point{}, fmt.Errorf("failed to read image %s", path)
	}
	defer mat.Close()
	orig := image.Pt(mat.Cols(), mat.Rows())

	rgb := gocv.NewMat()
	defer rgb.Close()
	if err := gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB); err != nil {
		return nil, orig, fmt.Errorf("failed to convert %s to RGB: %w", path, err)
	}

	src := rgb
	if l.Size > 0 && (rgb.Cols() != l.Size || rgb.Rows() != l.Size) {
		resized := gocv.NewMat()
		defer resized.Close()
		if err := gocv.Resize(rgb, &resized, image.Pt(l.Size, l.Size), 0, 0, gocv.InterpolationLinear); err != nil {
			return nil, orig, fmt.Errorf("failed to resize %s: %w", path, err)
		}
		src = resized
	}

	img, err := matToCHW(src)
	if err != nil {
		return nil, orig, err
	}
	return img, orig, nil
}

// matToCHW converts an 8-bit 3-channel HWC mat into a [3, H, W] tensor scaled to [0, 1]
func matToCHW(m gocv.Mat) (*tensor.Tensor, error) {
	if m.Channels() != 3 || m.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("expected an 8-bit 3-channel image, got type %v", m.Type())
	}

	h, w := m.Rows(), m.Cols()
	raw := m.ToBytes()
	if len(raw) != h*w*3 {
		return nil, fmt.Errorf("unexpected buffer size %d for %dx%d image", len(raw), w, h)
	}

	plane := h * w
	data := make([]float64, 3*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			data[c*plane+i] = float64(raw[i*3+c]) / 255.0
		}
	}

	return tensor.New([]int{3, h, w}, data)
}
