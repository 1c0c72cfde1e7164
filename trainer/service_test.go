package trainer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stochlab/latentrain/checkpoint"
	"github.com/stochlab/latentrain/dataset"
	"github.com/stochlab/latentrain/model"
	"github.com/stochlab/latentrain/optimizer"
	"github.com/stochlab/latentrain/schedule"
	"github.com/stochlab/latentrain/topology"
	"github.com/stochlab/latentrain/trainer"
	"github.com/stochlab/latentrain/trainer/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testBatch() dataset.Batch {
	return dataset.Batch{
		Source:  [][]int32{{1, 2}, {3, 4}, {5, 6}, {7, 8}},
		Target:  [][]int32{{1, 2}, {3, 4}, {5, 6}, {7, 8}},
		Lengths: []int{2, 2, 2, 2},
	}
}

func newDiagnosticStack() (trainer.Model, trainer.Optimizer, trainer.LRSchedule) {
	m := model.NewDiagnostic()
	opt := optimizer.NewAdamW(optimizer.AdamWConfig{
		LearningRate: 1e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}, m)

	return m, opt, optimizer.NewWarmupLinear(1e-3, 0, 1000)
}

func coordinatorTopology() topology.Topology {
	return topology.Topology{WorldSize: 1, LocalSize: 1, Devices: []int{0}}
}

func TestRunSkipsLastFileAndAccumulatesSteps(t *testing.T) {
	t.Parallel()

	// 2 epochs, 3 files per epoch, 4 batches per file, accumulation 2:
	// files 0 and 1 are consumed each epoch (never file 2) and the global
	// step advances once per two consumed batches.
	loader := &mocks.FakeLoader{Files: 3, BatchesPerFile: 4, Batch: testBatch()}
	m, opt, lr := newDiagnosticStack()
	outputDir := t.TempDir()

	cfg := trainer.Config{
		Epochs:                    2,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 2,
		MaxGradientNorm:           1.0,
		MaxSteps:                  -1,
	}
	saver := checkpoint.NewManager(outputDir, true, checkpoint.FailFast{}, discardLogger())
	svc := trainer.New(cfg, coordinatorTopology(), loader, m, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), discardLogger())

	require.NoError(t, svc.Run(context.Background()))

	assert.Equal(t, 2, loader.Resets)
	assert.Equal(t, []int{0, 1, 0, 1}, loader.VisitedFiles)
	// 2 epochs x 2 files x 4 batches / 2 accumulation steps.
	assert.Equal(t, 8, svc.State().GlobalStep)

	// Final checkpoint written at the terminal step.
	snap, err := checkpoint.ReadFull(outputDir, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, snap.GlobalStep)
}

func TestRunMaxStepsTerminatesEarly(t *testing.T) {
	t.Parallel()

	loader := &mocks.FakeLoader{Files: 5, BatchesPerFile: 100, Batch: testBatch()}
	m, opt, lr := newDiagnosticStack()

	cfg := trainer.Config{
		Epochs:                    10,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxGradientNorm:           1.0,
		MaxSteps:                  3,
	}
	saver := checkpoint.NewManager(t.TempDir(), true, checkpoint.FailFast{}, discardLogger())
	svc := trainer.New(cfg, coordinatorTopology(), loader, m, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), discardLogger())

	require.NoError(t, svc.Run(context.Background()))

	// The loop exits as soon as the step counter exceeds the bound; this is
	// normal termination, not an error.
	assert.Equal(t, 4, svc.State().GlobalStep)
	assert.Equal(t, 1, loader.Resets, "max steps must also break the epoch loop")
	assert.Equal(t, []int{0}, loader.VisitedFiles)
}

func TestRunPushesWeightAndModeEveryStep(t *testing.T) {
	t.Parallel()

	sched, err := schedule.New(schedule.Config{
		TotalIterations: 4,
		Start:           0,
		Stop:            1,
		Cycles:          1,
		RampUpFraction:  1,
		ZeroFraction:    0.5,
	})
	require.NoError(t, err)

	loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 6, Batch: testBatch()}

	var weights []float64
	var modes []schedule.Mode
	mockModel := &mocks.MockModel{}
	mockModel.On("ZeroGradients").Return()
	mockModel.On("ClipGradients", 1.0).Return(0.5)
	mockModel.On("Backward", mock.Anything, mock.AnythingOfType("float64")).Return(nil)
	mockModel.On("Losses", mock.Anything, mock.Anything, mock.AnythingOfType("float64"), mock.AnythingOfType("schedule.Mode")).
		Run(func(args mock.Arguments) {
			weights = append(weights, args.Get(2).(float64))
			modes = append(modes, args.Get(3).(schedule.Mode))
		}).
		Return(trainer.Losses{
			Reconstruction: []float64{1, 1, 1, 1},
			Regularization: []float64{0, 0, 0, 0},
			Combined:       []float64{1, 1, 1, 1},
		}, nil)

	_, opt, lr := newDiagnosticStack()
	cfg := trainer.Config{
		Epochs:                    1,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxGradientNorm:           1.0,
		MaxSteps:                  -1,
	}
	saver := &mocks.MockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)
	mockModel.On("EncoderState").Return(jsonRaw(`{}`), nil)
	mockModel.On("DecoderState").Return(jsonRaw(`{}`), nil)
	mockModel.On("State").Return(jsonRaw(`{}`), nil)

	svc := trainer.New(cfg, coordinatorTopology(), loader, mockModel, opt, lr, sched, saver, trainer.NopMetrics(), discardLogger())
	require.NoError(t, svc.Run(context.Background()))

	// Schedule: 2 zero steps, then a ramp, saturating at stop past step 4.
	require.Len(t, weights, 6)
	assert.Zero(t, weights[0])
	assert.Zero(t, weights[1])
	assert.Equal(t, schedule.Disabled, modes[0])
	for i := 2; i < 6; i++ {
		if weights[i] > 0 {
			assert.Equal(t, schedule.FreeBit, modes[i], "positive weight at step %d", i)
		}
	}
	assert.Equal(t, 1.0, weights[5], "queries past the schedule saturate at stop")
}

func TestRunForcedDeterministicMode(t *testing.T) {
	t.Parallel()

	loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 2, Batch: testBatch()}

	var modes []schedule.Mode
	mockModel := &mocks.MockModel{}
	mockModel.On("ZeroGradients").Return()
	mockModel.On("ClipGradients", 1.0).Return(0.1)
	mockModel.On("Backward", mock.Anything, mock.AnythingOfType("float64")).Return(nil)
	mockModel.On("EncoderState").Return(jsonRaw(`{}`), nil)
	mockModel.On("DecoderState").Return(jsonRaw(`{}`), nil)
	mockModel.On("State").Return(jsonRaw(`{}`), nil)
	mockModel.On("Losses", mock.Anything, mock.Anything, mock.AnythingOfType("float64"), mock.AnythingOfType("schedule.Mode")).
		Run(func(args mock.Arguments) {
			modes = append(modes, args.Get(3).(schedule.Mode))
		}).
		Return(trainer.Losses{
			Reconstruction: []float64{1},
			Regularization: []float64{1},
			Combined:       []float64{2},
		}, nil)

	_, opt, lr := newDiagnosticStack()
	cfg := trainer.Config{
		Epochs:                    1,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxGradientNorm:           1.0,
		MaxSteps:                  -1,
		UseDeterministicMode:      true,
	}
	saver := &mocks.MockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)

	svc := trainer.New(cfg, coordinatorTopology(), loader, mockModel, opt, lr, schedule.Constant(0.8), saver, trainer.NopMetrics(), discardLogger())
	require.NoError(t, svc.Run(context.Background()))

	require.NotEmpty(t, modes)
	for _, m := range modes {
		assert.Equal(t, schedule.Deterministic, m, "forced deterministic mode overrides the weight")
	}
}

func TestRunLogsBatchAveragedLosses(t *testing.T) {
	t.Parallel()

	loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 2, Batch: testBatch()}

	mockModel := &mocks.MockModel{}
	mockModel.On("ZeroGradients").Return()
	mockModel.On("ClipGradients", 1.0).Return(0.1)
	mockModel.On("Backward", mock.Anything, mock.AnythingOfType("float64")).Return(nil)
	mockModel.On("EncoderState").Return(jsonRaw(`{}`), nil)
	mockModel.On("DecoderState").Return(jsonRaw(`{}`), nil)
	mockModel.On("State").Return(jsonRaw(`{}`), nil)
	mockModel.On("Losses", mock.Anything, mock.Anything, mock.AnythingOfType("float64"), mock.AnythingOfType("schedule.Mode")).
		Return(trainer.Losses{
			Reconstruction: []float64{1, 2, 1, 2},
			Regularization: []float64{2, 4, 2, 4},
			Combined:       []float64{3, 6, 3, 6},
		}, nil)

	_, opt, lr := newDiagnosticStack()
	cfg := trainer.Config{
		Epochs:                    1,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxGradientNorm:           1.0,
		MaxSteps:                  -1,
		LoggingIntervalSteps:      1,
	}
	saver := &mocks.MockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	svc := trainer.New(cfg, coordinatorTopology(), loader, mockModel, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), logger)
	require.NoError(t, svc.Run(context.Background()))

	// The progress line reports both per-batch loss means.
	assert.Contains(t, buf.String(), `"loss_rec":1.5`)
	assert.Contains(t, buf.String(), `"loss_kl":3`)
}

func TestRunPropagatesModelFailure(t *testing.T) {
	t.Parallel()

	errForward := errors.New("device lost")

	loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 2, Batch: testBatch()}
	mockModel := &mocks.MockModel{}
	mockModel.On("ZeroGradients").Return()
	mockModel.On("Losses", mock.Anything, mock.Anything, mock.AnythingOfType("float64"), mock.AnythingOfType("schedule.Mode")).
		Return(trainer.Losses{}, errForward)

	_, opt, lr := newDiagnosticStack()
	cfg := trainer.Config{
		Epochs:                    1,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxSteps:                  -1,
	}
	saver := &mocks.MockSaver{}

	svc := trainer.New(cfg, coordinatorTopology(), loader, mockModel, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), discardLogger())
	require.ErrorIs(t, svc.Run(context.Background()), errForward)
}

func TestRunCoordinatorOnlyWrites(t *testing.T) {
	t.Parallel()

	outputDir := t.TempDir()

	for rank := 1; rank < 4; rank++ {
		loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 2, Batch: testBatch()}
		m, opt, lr := newDiagnosticStack()
		topo := topology.Topology{GlobalRank: rank, WorldSize: 4, LocalRank: rank, LocalSize: 4, Devices: []int{rank}}

		cfg := trainer.Config{
			Epochs:                    1,
			PerDeviceBatchSize:        4,
			GradientAccumulationSteps: 1,
			MaxGradientNorm:           1.0,
			MaxSteps:                  -1,
			CheckpointIntervalSteps:   1,
		}
		saver := checkpoint.NewManager(outputDir, topo.Coordinator(), checkpoint.FailFast{}, discardLogger())
		svc := trainer.New(cfg, topo, loader, m, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), discardLogger())
		require.NoError(t, svc.Run(context.Background()))
	}

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "ranks 1-3 must produce no filesystem side effects")

	// The coordinator rank does write.
	loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 2, Batch: testBatch()}
	m, opt, lr := newDiagnosticStack()
	topo := topology.Topology{GlobalRank: 0, WorldSize: 4, LocalRank: 0, LocalSize: 4, Devices: []int{0}}
	cfg := trainer.Config{
		Epochs:                    1,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxGradientNorm:           1.0,
		MaxSteps:                  -1,
		CheckpointIntervalSteps:   1,
	}
	saver := checkpoint.NewManager(outputDir, topo.Coordinator(), checkpoint.FailFast{}, discardLogger())
	svc := trainer.New(cfg, topo, loader, m, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), discardLogger())
	require.NoError(t, svc.Run(context.Background()))

	entries, err = os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestRunCheckpointInterval(t *testing.T) {
	t.Parallel()

	loader := &mocks.FakeLoader{Files: 2, BatchesPerFile: 8, Batch: testBatch()}
	m, opt, lr := newDiagnosticStack()

	saver := &mocks.MockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)

	cfg := trainer.Config{
		Epochs:                    1,
		PerDeviceBatchSize:        4,
		GradientAccumulationSteps: 1,
		MaxGradientNorm:           1.0,
		MaxSteps:                  -1,
		CheckpointIntervalSteps:   4,
	}
	svc := trainer.New(cfg, coordinatorTopology(), loader, m, opt, lr, schedule.Constant(0), saver, trainer.NopMetrics(), discardLogger())
	require.NoError(t, svc.Run(context.Background()))

	// 8 optimizer steps with interval 4 plus the terminal save; the step-8
	// interval save and the terminal save are distinct calls.
	saver.AssertNumberOfCalls(t, "Save", 3)
}

func jsonRaw(s string) json.RawMessage {
	return json.RawMessage(s)
}
