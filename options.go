package vqgo

import (
	"log/slog"

	"github.com/hupe1980/vqgo/collective"
	"github.com/hupe1980/vqgo/persistence"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	communicator     collective.Communicator

	decay               float64
	eps                 float64
	degenerateThreshold float64
	reassignDistEps     float64

	selfCheck   bool
	parallelism int

	compression persistence.CompressionType
}

// Option configures Codec constructor behavior.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. communicator-specific constructor variants).
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vqgo.NewJSONLogger(slog.LevelInfo)
//	codec, _ := vqgo.New(cfg, vqgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vqgo.BasicMetricsCollector{}
//	codec, _ := vqgo.New(cfg, vqgo.WithMetricsCollector(metrics))
//	// ... use codec ...
//	stats := metrics.GetStats()
//	fmt.Printf("Images: %d, Avg latency: %dns\n", stats.CompressImages, stats.CompressAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithCommunicator configures the collective used for cross-worker
// histogram reduction and codebook broadcast. Defaults to collective.Local,
// which makes every collective a no-op for single-process use.
//
// Example with the etcd rendezvous:
//
//	comm, _ := etcd.New([]string{"localhost:2379"}, rank, worldSize)
//	codec, _ := vqgo.New(cfg, vqgo.WithCommunicator(comm))
func WithCommunicator(comm collective.Communicator) Option {
	return func(o *options) {
		if comm == nil {
			comm = collective.Local{}
		}
		o.communicator = comm
	}
}

// WithDecay configures the EMA blend-in fraction of fresh batch counts per
// usage update: new = decay*count + (1-decay)*old. Default 0.01.
func WithDecay(decay float64) Option {
	return func(o *options) {
		o.decay = decay
	}
}

// WithEps configures the usage threshold below which a codebook entry
// counts as dead. Default 1e-6.
func WithEps(eps float64) Option {
	return func(o *options) {
		o.eps = eps
	}
}

// WithDegenerateThreshold configures the total histogram mass under which
// a group's distribution falls back to uniform instead of normalizing.
// Default 1.0.
func WithDegenerateThreshold(threshold float64) Option {
	return func(o *options) {
		o.degenerateThreshold = threshold
	}
}

// WithReassignDistEps configures the squared distance above which a
// reassigned codebook entry counts as moved. Default 1e-4.
func WithReassignDistEps(distEps float64) Option {
	return func(o *options) {
		o.reassignDistEps = distEps
	}
}

// WithSelfCheck re-decodes every compressed binary immediately after
// encoding and fails the compress call on any mismatch. This trades
// throughput for a hard guarantee that archived artifacts decode.
func WithSelfCheck(enabled bool) Option {
	return func(o *options) {
		o.selfCheck = enabled
	}
}

// WithParallelism caps the number of images compressed or decompressed
// concurrently. Zero or negative means GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithSnapshotCompression configures the section compression of snapshots
// written by Codec.Snapshot. Default zstd.
func WithSnapshotCompression(compression persistence.CompressionType) Option {
	return func(o *options) {
		o.compression = compression
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:              NoopLogger(),
		metricsCollector:    NoopMetricsCollector{},
		communicator:        collective.Local{},
		decay:               0.01,
		eps:                 1e-6,
		degenerateThreshold: 1.0,
		reassignDistEps:     1e-4,
		compression:         persistence.CompressionZSTD,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
