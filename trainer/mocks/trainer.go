// Package mocks provides test doubles for the trainer collaborators.
package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/stochlab/latentrain/checkpoint"
	"github.com/stochlab/latentrain/dataset"
	"github.com/stochlab/latentrain/schedule"
	"github.com/stochlab/latentrain/trainer"
)

// MockModel is a mock implementation of the trainer.Model interface.
type MockModel struct {
	mock.Mock
}

func (m *MockModel) Losses(ctx context.Context, batch dataset.Batch, weight float64, mode schedule.Mode) (trainer.Losses, error) {
	args := m.Called(ctx, batch, weight, mode)

	return args.Get(0).(trainer.Losses), args.Error(1)
}

func (m *MockModel) Backward(ctx context.Context, loss float64) error {
	args := m.Called(ctx, loss)

	return args.Error(0)
}

func (m *MockModel) ClipGradients(maxNorm float64) float64 {
	args := m.Called(maxNorm)

	return args.Get(0).(float64)
}

func (m *MockModel) ZeroGradients() {
	m.Called()
}

func (m *MockModel) EncoderState() (json.RawMessage, error) {
	args := m.Called()

	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockModel) DecoderState() (json.RawMessage, error) {
	args := m.Called()

	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockModel) State() (json.RawMessage, error) {
	args := m.Called()

	return args.Get(0).(json.RawMessage), args.Error(1)
}

// MockSaver is a mock implementation of the checkpoint.Saver interface.
type MockSaver struct {
	mock.Mock
}

func (m *MockSaver) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	args := m.Called(ctx, snap)

	return args.Error(0)
}

// FakeLoader serves a fixed number of files, each with a fixed number of
// identical batches, and records which files were consumed.
type FakeLoader struct {
	Files          int
	BatchesPerFile int
	Batch          dataset.Batch

	fileIndex    int
	batchPos     int
	Resets       int
	VisitedFiles []int
}

func (l *FakeLoader) Reset(_ context.Context) error {
	l.Resets++
	l.fileIndex = 0
	l.batchPos = 0
	l.VisitedFiles = append(l.VisitedFiles, 0)

	return nil
}

func (l *FakeLoader) NumFiles() int {
	return l.Files
}

func (l *FakeLoader) FileIndex() int {
	return l.fileIndex
}

func (l *FakeLoader) Next(_ context.Context) (dataset.Batch, error) {
	if l.batchPos >= l.BatchesPerFile {
		return dataset.Batch{}, dataset.ErrFileExhausted
	}
	l.batchPos++

	return l.Batch, nil
}

func (l *FakeLoader) NextFile(_ context.Context) error {
	if l.fileIndex+1 >= l.Files {
		return dataset.ErrCorpusEnd
	}
	l.fileIndex++
	l.batchPos = 0
	l.VisitedFiles = append(l.VisitedFiles, l.fileIndex)

	return nil
}
