// Package dataset streams token batches from a sharded, multi-file training
// corpus. Files are consumed one at a time; examples within a file are
// bucketed by length so batches carry similarly-sized sequences.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

const (
	// DefaultPattern matches the corpus shard naming of the pretraining
	// pipeline that produced the files.
	DefaultPattern = "*seq64*.json"

	defaultBucket = 100
)

var (
	ErrNoFiles       = errors.New("no training files match pattern")
	ErrFileExhausted = errors.New("current training file exhausted")
	ErrCorpusEnd     = errors.New("no more training files")
)

// Batch is three aligned sequences: encoder tokens, decoder tokens and the
// per-example length metadata.
type Batch struct {
	Source  [][]int32
	Target  [][]int32
	Lengths []int
}

func (b Batch) Size() int {
	return len(b.Source)
}

// Loader is the orchestrator-facing contract of the sharded corpus reader.
type Loader interface {
	// Reset re-shuffles the corpus and rewinds to the first file. Called
	// once per epoch.
	Reset(ctx context.Context) error
	NumFiles() int
	FileIndex() int
	// Next returns the next batch of the current file, or ErrFileExhausted.
	Next(ctx context.Context) (Batch, error)
	// NextFile advances to the next file of the epoch.
	NextFile(ctx context.Context) error
}

type example struct {
	EncoderTokens []int32 `json:"encoder_token_ids"`
	DecoderTokens []int32 `json:"decoder_token_ids"`
}

// FileLoader reads shard files lazily and buckets examples by decoder length.
type FileLoader struct {
	paths      []string
	batchSize  int
	bucketSize int
	rng        *rand.Rand
	logger     *slog.Logger

	fileIndex int
	batches   []Batch
	batchPos  int
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader discovers shard files under dir matching pattern. The seed
// drives the shuffle so distributed ranks can be given distinct or identical
// orders deliberately.
func NewFileLoader(dir, pattern string, batchSize int, seed int64, logger *slog.Logger) (*FileLoader, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to glob training files: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s under %s", ErrNoFiles, pattern, dir)
	}
	sort.Strings(paths)

	return &FileLoader{
		paths:      paths,
		batchSize:  batchSize,
		bucketSize: defaultBucket,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger,
	}, nil
}

func (l *FileLoader) NumFiles() int {
	return len(l.paths)
}

func (l *FileLoader) FileIndex() int {
	return l.fileIndex
}

// NumBatches reports how many batches the currently loaded file yields. Zero
// until the first Reset. Callers sizing a run from it treat the first file as
// representative of the corpus.
func (l *FileLoader) NumBatches() int {
	return len(l.batches)
}

func (l *FileLoader) Reset(_ context.Context) error {
	l.rng.Shuffle(len(l.paths), func(i, j int) {
		l.paths[i], l.paths[j] = l.paths[j], l.paths[i]
	})
	l.fileIndex = 0

	return l.loadCurrent()
}

func (l *FileLoader) Next(_ context.Context) (Batch, error) {
	if l.batchPos >= len(l.batches) {
		return Batch{}, ErrFileExhausted
	}

	batch := l.batches[l.batchPos]
	l.batchPos++

	return batch, nil
}

func (l *FileLoader) NextFile(_ context.Context) error {
	if l.fileIndex+1 >= len(l.paths) {
		return ErrCorpusEnd
	}
	l.fileIndex++

	return l.loadCurrent()
}

func (l *FileLoader) loadCurrent() error {
	path := l.paths[l.fileIndex]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read training file %s: %w", path, err)
	}

	var examples []example
	if err := json.Unmarshal(data, &examples); err != nil {
		return fmt.Errorf("failed to parse training file %s: %w", path, err)
	}

	l.batches = l.assemble(examples)
	l.batchPos = 0
	l.logger.Debug("loaded training file",
		slog.String("path", path),
		slog.Int("examples", len(examples)),
		slog.Int("batches", len(l.batches)))

	return nil
}

// assemble shuffles examples, sorts each bucket window by decoder length and
// slices the result into fixed-size batches. A trailing partial batch is
// dropped so every batch has the configured size.
func (l *FileLoader) assemble(examples []example) []Batch {
	l.rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})

	for start := 0; start < len(examples); start += l.bucketSize {
		end := min(start+l.bucketSize, len(examples))
		bucket := examples[start:end]
		sort.SliceStable(bucket, func(i, j int) bool {
			return len(bucket[i].DecoderTokens) < len(bucket[j].DecoderTokens)
		})
	}

	var batches []Batch
	for start := 0; start+l.batchSize <= len(examples); start += l.batchSize {
		chunk := examples[start : start+l.batchSize]
		batch := Batch{
			Source:  make([][]int32, len(chunk)),
			Target:  make([][]int32, len(chunk)),
			Lengths: make([]int, len(chunk)),
		}
		for i, ex := range chunk {
			batch.Source[i] = ex.EncoderTokens
			batch.Target[i] = ex.DecoderTokens
			batch.Lengths[i] = len(ex.DecoderTokens)
		}
		batches = append(batches, batch)
	}

	return batches
}
