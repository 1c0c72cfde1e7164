package trainer

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrMissingTrainData  = errors.New("train data path is required")
	ErrMissingOutputDir  = errors.New("output directory is required")
	ErrMissingEvalData   = errors.New("evaluation requested without an evaluation data path")
	ErrDecoderObjective  = errors.New("decoder architecture requires the masked objective")
	ErrOutputDirNotEmpty = errors.New("output directory already exists and is not empty")
	ErrBatchSize         = errors.New("per-device batch size must be at least 1")
	ErrAccumulation      = errors.New("gradient accumulation steps must be at least 1")
	ErrFractionRange     = errors.New("schedule fraction must be in [0, 1]")
)

// maskedDecoders are architectures with masked-LM heads only; they cannot be
// trained with the causal language-modeling objective.
var maskedDecoders = map[string]bool{
	"bert":    true,
	"roberta": true,
}

type Config struct {
	LogLevel                  string  `env:"TRAINER_LOG_LEVEL"                 envDefault:"info"`
	TrainDataPath             string  `env:"TRAINER_TRAIN_DATA_PATH"`
	TrainFilePattern          string  `env:"TRAINER_TRAIN_FILE_PATTERN"        envDefault:"*seq64*.json"`
	EvalDataPath              string  `env:"TRAINER_EVAL_DATA_PATH"`
	OutputDir                 string  `env:"TRAINER_OUTPUT_DIR"`
	OverwriteOutputDir        bool    `env:"TRAINER_OVERWRITE_OUTPUT_DIR"      envDefault:"false"`
	DoTrain                   bool    `env:"TRAINER_DO_TRAIN"                  envDefault:"true"`
	DoEval                    bool    `env:"TRAINER_DO_EVAL"                   envDefault:"false"`
	EncoderModelType          string  `env:"TRAINER_ENCODER_MODEL_TYPE"        envDefault:"bert"`
	DecoderModelType          string  `env:"TRAINER_DECODER_MODEL_TYPE"        envDefault:"gpt2"`
	MaskedObjective           bool    `env:"TRAINER_MASKED_OBJECTIVE"          envDefault:"false"`
	UseBetaSchedule           bool    `env:"TRAINER_USE_BETA_SCHEDULE"         envDefault:"false"`
	Beta                      float64 `env:"TRAINER_BETA"                      envDefault:"1.0"`
	RampUpFraction            float64 `env:"TRAINER_RAMP_UP_FRACTION"          envDefault:"0.25"`
	ZeroFraction              float64 `env:"TRAINER_ZERO_FRACTION"             envDefault:"0.25"`
	CycleCount                int     `env:"TRAINER_CYCLE_COUNT"               envDefault:"10"`
	UseDeterministicMode      bool    `env:"TRAINER_USE_DETERMINISTIC_MODE"    envDefault:"false"`
	PerDeviceBatchSize        int     `env:"TRAINER_PER_DEVICE_BATCH_SIZE"     envDefault:"4"`
	GradientAccumulationSteps int     `env:"TRAINER_GRAD_ACCUMULATION_STEPS"   envDefault:"1"`
	MaxGradientNorm           float64 `env:"TRAINER_MAX_GRADIENT_NORM"         envDefault:"1.0"`
	Epochs                    int     `env:"TRAINER_NUM_TRAIN_EPOCHS"          envDefault:"1"`
	MaxSteps                  int     `env:"TRAINER_MAX_STEPS"                 envDefault:"-1"`
	WarmupSteps               int     `env:"TRAINER_WARMUP_STEPS"              envDefault:"0"`
	LoggingIntervalSteps      int     `env:"TRAINER_LOGGING_STEPS"             envDefault:"50"`
	CheckpointIntervalSteps   int     `env:"TRAINER_SAVE_STEPS"                envDefault:"50"`
	UseResilientCheckpointing bool    `env:"TRAINER_RESILIENT_CHECKPOINTING"   envDefault:"false"`
	Seed                      int64   `env:"TRAINER_SEED"                      envDefault:"42"`
	MetricsAddress            string  `env:"TRAINER_METRICS_ADDRESS"`
}

// Validate checks the configuration before any device or topology setup.
// Every failure here is fatal at startup.
func (c Config) Validate() error {
	if c.DoTrain && c.TrainDataPath == "" {
		return ErrMissingTrainData
	}
	if c.OutputDir == "" {
		return ErrMissingOutputDir
	}
	if maskedDecoders[c.DecoderModelType] && !c.MaskedObjective {
		return fmt.Errorf("%w: %s", ErrDecoderObjective, c.DecoderModelType)
	}
	if c.DoEval && c.EvalDataPath == "" {
		return ErrMissingEvalData
	}
	if c.PerDeviceBatchSize < 1 {
		return fmt.Errorf("%w: %d", ErrBatchSize, c.PerDeviceBatchSize)
	}
	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("%w: %d", ErrAccumulation, c.GradientAccumulationSteps)
	}
	if c.RampUpFraction < 0 || c.RampUpFraction > 1 {
		return fmt.Errorf("%w: ramp-up fraction %f", ErrFractionRange, c.RampUpFraction)
	}
	if c.ZeroFraction < 0 || c.ZeroFraction > 1 {
		return fmt.Errorf("%w: zero fraction %f", ErrFractionRange, c.ZeroFraction)
	}
	if c.DoTrain && !c.OverwriteOutputDir {
		if err := checkOutputDirEmpty(c.OutputDir); err != nil {
			return err
		}
	}

	return nil
}

func checkOutputDirEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to inspect output directory: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrOutputDirNotEmpty, dir)
	}

	return nil
}
