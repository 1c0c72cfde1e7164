// Package checkpoint persists training snapshots to shared storage. Only the
// coordinator rank performs filesystem writes; every other rank observes an
// effect-free no-op.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	encoderDirTemplate = "checkpoint-encoder-%d"
	decoderDirTemplate = "checkpoint-decoder-%d"
	fullDirTemplate    = "checkpoint-full-%d"

	modelFile  = "model.json"
	argsFile   = "training_args.json"
	recordFile = "training.json"
)

// Snapshot is the state captured at a save point. The parameter and
// configuration payloads are opaque to the manager.
type Snapshot struct {
	GlobalStep     int             `json:"global_step"`
	EncoderState   json.RawMessage `json:"encoder_state"`
	DecoderState   json.RawMessage `json:"decoder_state"`
	ModelState     json.RawMessage `json:"model_state"`
	OptimizerState json.RawMessage `json:"optimizer_state"`
	Weight         float64         `json:"beta"`
	RunConfig      json.RawMessage `json:"run_config"`
}

// fullRecord is the composite artifact written to checkpoint-full-S.
type fullRecord struct {
	GlobalStep     int             `json:"iter"`
	ModelState     json.RawMessage `json:"model_state_dict"`
	OptimizerState json.RawMessage `json:"optimizer_state_dict"`
	Weight         float64         `json:"beta"`
	RunConfig      json.RawMessage `json:"args"`
}

// Saver persists snapshots. Implementations decide where and how durably.
type Saver interface {
	Save(ctx context.Context, snap Snapshot) error
}

// Manager writes three independent artifacts per save point: encoder
// parameters, decoder parameters and the full combined record. A failure of
// one artifact never rolls back the others.
type Manager struct {
	outputDir   string
	coordinator bool
	policy      Policy
	writer      Writer
	logger      *slog.Logger
}

type ManagerOption func(*Manager)

// WithWriter substitutes the storage backend. Used by tests to inject
// transient failures.
func WithWriter(w Writer) ManagerOption {
	return func(m *Manager) {
		m.writer = w
	}
}

func NewManager(outputDir string, coordinator bool, policy Policy, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		outputDir:   outputDir,
		coordinator: coordinator,
		policy:      policy,
		writer:      osWriter{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

var _ Saver = (*Manager)(nil)

func (m *Manager) Save(ctx context.Context, snap Snapshot) error {
	if !m.coordinator {
		m.logger.Debug("skipping checkpoint save on non-coordinator rank",
			slog.Int("global_step", snap.GlobalStep))

		return nil
	}

	encoderDir := filepath.Join(m.outputDir, fmt.Sprintf(encoderDirTemplate, snap.GlobalStep))
	decoderDir := filepath.Join(m.outputDir, fmt.Sprintf(decoderDirTemplate, snap.GlobalStep))
	fullDir := filepath.Join(m.outputDir, fmt.Sprintf(fullDirTemplate, snap.GlobalStep))

	m.logger.Info("saving encoder model checkpoint", slog.String("dir", encoderDir))
	if err := m.policy.Run(ctx, "encoder", func() error {
		return m.writeArtifact(encoderDir, modelFile, snap.EncoderState, snap.RunConfig)
	}); err != nil {
		return fmt.Errorf("failed to save encoder checkpoint: %w", err)
	}

	m.logger.Info("saving decoder model checkpoint", slog.String("dir", decoderDir))
	if err := m.policy.Run(ctx, "decoder", func() error {
		return m.writeArtifact(decoderDir, modelFile, snap.DecoderState, snap.RunConfig)
	}); err != nil {
		return fmt.Errorf("failed to save decoder checkpoint: %w", err)
	}

	record, err := json.MarshalIndent(fullRecord{
		GlobalStep:     snap.GlobalStep,
		ModelState:     snap.ModelState,
		OptimizerState: snap.OptimizerState,
		Weight:         snap.Weight,
		RunConfig:      snap.RunConfig,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal full checkpoint record: %w", err)
	}

	m.logger.Info("saving full checkpoint", slog.String("dir", fullDir))
	if err := m.policy.Run(ctx, "full", func() error {
		if err := m.writer.MkdirAll(fullDir); err != nil {
			return err
		}

		return m.writer.WriteFile(filepath.Join(fullDir, recordFile), record)
	}); err != nil {
		return fmt.Errorf("failed to save full checkpoint: %w", err)
	}

	return nil
}

// writeArtifact persists one parameter blob together with the run
// configuration, creating the target directory first.
func (m *Manager) writeArtifact(dir, name string, state, runConfig json.RawMessage) error {
	if err := m.writer.MkdirAll(dir); err != nil {
		return err
	}
	if err := m.writer.WriteFile(filepath.Join(dir, name), state); err != nil {
		return err
	}

	return m.writer.WriteFile(filepath.Join(dir, argsFile), runConfig)
}

// ReadFull reads back the composite record for a save point. Resume is out of
// the training flow; this exists for verification and tooling.
func ReadFull(outputDir string, globalStep int) (Snapshot, error) {
	path := filepath.Join(outputDir, fmt.Sprintf(fullDirTemplate, globalStep), recordFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read full checkpoint record: %w", err)
	}

	var record fullRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal full checkpoint record: %w", err)
	}

	return Snapshot{
		GlobalStep:     record.GlobalStep,
		ModelState:     record.ModelState,
		OptimizerState: record.OptimizerState,
		Weight:         record.Weight,
		RunConfig:      record.RunConfig,
	}, nil
}
