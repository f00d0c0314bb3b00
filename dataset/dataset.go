package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tsawler/go-detector/tensor"
)

// Sample is one annotated image: a C×H×W image tensor, its bounding boxes
// (x_min, y_min, x_max, y_max in pixels; Get rescales them to the loaded
// image) and one class label per box
type Sample struct {
	ImagePath   string
	Image       *tensor.Tensor
	BBoxes      [][4]float64
	ClassLabels []int
}

// Batch is an ordered group of samples processed together
type Batch []Sample

// ImageLoader decodes an image file into a C×H×W tensor. It also returns the
// width and height of the file as stored, before any resizing.
type ImageLoader interface {
	Load(path string) (*tensor.Tensor, image.Point, error)
}

// Dataset is an indexed collection of annotated samples
type Dataset struct {
	samples []Sample
	loader  ImageLoader
}

// New creates an in-memory dataset. Samples without an image are decoded
// on access through loader, which may be nil if every image is present.
func New(samples []Sample, loader ImageLoader) *Dataset {
	return &Dataset{samples: samples, loader: loader}
}

// Len returns the number of samples
func (d *Dataset) Len() int {
	return len(d.samples)
}

// Get returns sample idx with its image loaded
func (d *Dataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(d.samples) {
		return Sample{}, fmt.Errorf("sample index %d out of range [0, %d)", idx, len(d.samples))
	}

	s := d.samples[idx]
	if s.Image != nil {
		return s, nil
	}
	if d.loader == nil {
		return Sample{}, fmt.Errorf("sample %d (%s) has no image and no loader is configured", idx, s.ImagePath)
	}

	img, orig, err := d.loader.Load(s.ImagePath)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to load image %s: %w", s.ImagePath, err)
	}
	s.Image = img
	s.BBoxes, err = scaleBoxes(s.BBoxes, orig, img)
	if err != nil {
		return Sample{}, fmt.Errorf("sample %d (%s): %w", idx, s.ImagePath, err)
	}
	return s, nil
}

// scaleBoxes maps pixel boxes from the original image size onto the loaded
// tensor's H×W grid. The stored boxes are never modified.
func scaleBoxes(boxes [][4]float64, orig image.Point, img *tensor.Tensor) ([][4]float64, error) {
	if len(img.Shape) < 2 {
		return nil, fmt.Errorf("image tensor has shape %v, want C×H×W", img.Shape)
	}
	if orig.X <= 0 || orig.Y <= 0 {
		return nil, fmt.Errorf("loader reported image size %v", orig)
	}

	h := img.Shape[len(img.Shape)-2]
	w := img.Shape[len(img.Shape)-1]
	if w == orig.X && h == orig.Y {
		return boxes, nil
	}

	sx := float64(w) / float64(orig.X)
	sy := float64(h) / float64(orig.Y)
	scaled := make([][4]float64, len(boxes))
	for i, b := range boxes {
		scaled[i] = [4]float64{b[0] * sx, b[1] * sy, b[2] * sx, b[3] * sy}
	}
	return scaled, nil
}

// annotation columns; extra columns are ignored
var annotationColumns = []string{"image_path", "x_min", "y_min", "x_max", "y_max", "class_label"}

// ReadAnnotations parses a CSV with one row per bounding box. Rows for the same
// image are grouped into one sample, in order of first appearance. Relative image
// paths are resolved against the CSV file's directory.
func ReadAnnotations(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %w", err)
	}
	defer f.Close()

	samples, err := ParseAnnotations(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

// ParseAnnotations reads annotation rows from r. See ReadAnnotations.
func ParseAnnotations(r io.Reader, baseDir string) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("annotations are empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idx := make([]int, len(annotationColumns))
	for i, name := range annotationColumns {
		c, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		idx[i] = c
	}

	var samples []Sample
	byPath := make(map[string]int)

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		imagePath := record[idx[0]]
		if imagePath == "" {
			return nil, fmt.Errorf("line %d: empty image path", line)
		}
		if !filepath.IsAbs(imagePath) && baseDir != "" {
			imagePath = filepath.Join(baseDir, imagePath)
		}

		var box [4]float64
		for j := 0; j < 4; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx[j+1]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid %s: %w", line, annotationColumns[j+1], err)
			}
			box[j] = v
		}
		if box[2] <= box[0] || box[3] <= box[1] {
			return nil, fmt.Errorf("line %d: degenerate box %v", line, box)
		}

		label, err := strconv.Atoi(strings.TrimSpace(record[idx[5]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid class_label: %w", line, err)
		}

		i, ok := byPath[imagePath]
		if !ok {
			i = len(samples)
			byPath[imagePath] = i
			samples = append(samples, Sample{ImagePath: imagePath})
		}
		samples[i].BBoxes = append(samples[i].BBoxes, box)
		samples[i].ClassLabels = append(samples[i].ClassLabels, label)
	}

	return samples, nil
}
