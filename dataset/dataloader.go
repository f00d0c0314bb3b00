package dataset

import (
	"fmt"
	"math/rand"
	"sync"
)

// DataLoader groups dataset samples into batches, optionally reshuffling every epoch
type DataLoader struct {
	dataset   *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset *Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	batch := make(Batch, 0, len(batchIndices))
	for _, idx := range batchIndices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load batch: %w", err)
		}
		batch = append(batch, s)
	}

	return &batch, nil
}

// Loaders holds the per-phase data loaders
type Loaders struct {
	Train *DataLoader
	Val   *DataLoader
}

// GetDataLoaders builds train and validation loaders from two annotation files
func GetDataLoaders(trainCSV, valCSV string, shuffle bool, batchSize int, loader ImageLoader) (*Loaders, error) {
	trainSamples, err := ReadAnnotations(trainCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to read training annotations: %w", err)
	}
	valSamples, err := ReadAnnotations(valCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to read validation annotations: %w", err)
	}

	train, err := NewDataLoader(New(trainSamples, loader), batchSize, shuffle, 1)
	if err != nil {
		return nil, err
	}
	// validation order is fixed so epoch losses are comparable
	val, err := NewDataLoader(New(valSamples, loader), batchSize, false, 1)
	if err != nil {
		return nil, err
	}

	return &Loaders{Train: train, Val: val}, nil
}
