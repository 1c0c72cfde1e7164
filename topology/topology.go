// Package topology resolves a training process's position in a multi-host,
// multi-device job from OMPI-style environment variables and partitions the
// host's accelerator devices across co-located ranks.
package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
)

var (
	ErrLocalRank           = errors.New("local rank out of range")
	ErrInsufficientDevices = errors.New("fewer devices than co-located processes")
	ErrNoDevices           = errors.New("no accelerator devices visible")
)

// Topology describes one process of a cooperating training group. It is
// resolved once at startup and immutable afterwards.
type Topology struct {
	GlobalRank int
	WorldSize  int
	LocalRank  int
	LocalSize  int
	Devices    []int
}

// Coordinator reports whether this rank owns shared filesystem side effects.
func (t Topology) Coordinator() bool {
	return t.GlobalRank == 0
}

func (t Topology) Distributed() bool {
	return t.WorldSize > 1
}

type envValues struct {
	GlobalRank int `env:"OMPI_COMM_WORLD_RANK"       envDefault:"0"`
	WorldSize  int `env:"OMPI_COMM_WORLD_SIZE"       envDefault:"1"`
	LocalRank  int `env:"OMPI_COMM_WORLD_LOCAL_RANK" envDefault:"0"`
	LocalSize  int `env:"OMPI_COMM_WORLD_LOCAL_SIZE" envDefault:"1"`
}

type options struct {
	environment map[string]string
	devices     DeviceLister
	divisible   bool
	logger      *slog.Logger
}

type Option func(*options)

// WithEnvironment substitutes the process environment with the given map.
// Used by tests to resolve topologies without a launcher.
func WithEnvironment(environment map[string]string) Option {
	return func(o *options) {
		o.environment = environment
	}
}

// WithDeviceLister substitutes the device discovery mechanism.
func WithDeviceLister(dl DeviceLister) Option {
	return func(o *options) {
		o.devices = dl
	}
}

// WithDivisible requires every rank to receive the same number of devices.
// Remainder devices are left unassigned with a warning.
func WithDivisible(divisible bool) Option {
	return func(o *options) {
		o.divisible = divisible
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Resolve reads rank and size information from the environment, discovers the
// host's devices and assigns a contiguous device block to this rank. It has
// no side effects beyond reading environment state.
func Resolve(opts ...Option) (Topology, error) {
	o := options{
		devices:   NvidiaSMI(),
		divisible: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	vals := envValues{}
	parseOpts := env.Options{}
	if o.environment != nil {
		parseOpts.Environment = o.environment
	}
	if err := env.ParseWithOptions(&vals, parseOpts); err != nil {
		return Topology{}, fmt.Errorf("failed to parse topology environment: %w", err)
	}

	if vals.LocalRank < 0 || vals.LocalRank >= vals.LocalSize {
		return Topology{}, fmt.Errorf("%w: local rank %d, local size %d", ErrLocalRank, vals.LocalRank, vals.LocalSize)
	}

	names, err := o.devices()
	if err != nil {
		return Topology{}, fmt.Errorf("failed to list devices: %w", err)
	}
	deviceCount := len(names)
	if deviceCount == 0 {
		return Topology{}, ErrNoDevices
	}
	if deviceCount < vals.LocalSize {
		return Topology{}, fmt.Errorf("%w: device count %d, local size %d", ErrInsufficientDevices, deviceCount, vals.LocalSize)
	}

	var devices []int
	if o.divisible {
		k := deviceCount / vals.LocalSize
		devices = block(vals.LocalRank*k, k)
		if deviceCount%vals.LocalSize != 0 {
			o.logger.Warn("device count not divisible by local size, some devices will be idle",
				slog.Int("device_count", deviceCount),
				slog.Int("local_size", vals.LocalSize))
		}
	} else {
		devices = splitNearlyEqual(deviceCount, vals.LocalSize, vals.LocalRank)
	}

	return Topology{
		GlobalRank: vals.GlobalRank,
		WorldSize:  vals.WorldSize,
		LocalRank:  vals.LocalRank,
		LocalSize:  vals.LocalSize,
		Devices:    devices,
	}, nil
}

func block(start, size int) []int {
	devices := make([]int, size)
	for i := range devices {
		devices[i] = start + i
	}

	return devices
}

// splitNearlyEqual splits devices 0..count-1 into size contiguous blocks
// whose lengths differ by at most one, and returns block number rank. The
// first count%size blocks carry the extra device.
func splitNearlyEqual(count, size, rank int) []int {
	base := count / size
	extra := count % size

	start := 0
	for r := 0; r < rank; r++ {
		length := base
		if r < extra {
			length++
		}
		start += length
	}

	length := base
	if rank < extra {
		length++
	}

	return block(start, length)
}

// FromProcessEnv is a convenience wrapper reading the real process
// environment, kept separate so Resolve stays injectable.
func FromProcessEnv(opts ...Option) (Topology, error) {
	environment := map[string]string{}
	for _, key := range []string{
		"OMPI_COMM_WORLD_RANK",
		"OMPI_COMM_WORLD_SIZE",
		"OMPI_COMM_WORLD_LOCAL_RANK",
		"OMPI_COMM_WORLD_LOCAL_SIZE",
	} {
		if v, ok := os.LookupEnv(key); ok {
			environment[key] = v
		}
	}

	return Resolve(append([]Option{WithEnvironment(environment)}, opts...)...)
}
