package vqgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    compressCounter prometheus.Counter
//	    bytesHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCompress(images int, bytes int64, duration time.Duration, err error) {
//	    p.compressCounter.Add(float64(images))
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordCompress is called after each compress call. images is the
	// batch size, bytes the total entropy-coded output size, duration
	// the total time taken, err is nil if successful.
	RecordCompress(images int, bytes int64, duration time.Duration, err error)

	// RecordDecompress is called after each decompress call.
	RecordDecompress(images int, duration time.Duration, err error)

	// RecordUsageUpdate is called after each usage histogram update.
	RecordUsageUpdate(duration time.Duration, err error)

	// RecordReassign is called after each codebook reassign. proportion
	// is the fraction of entries that moved.
	RecordReassign(proportion float64, duration time.Duration, err error)

	// RecordSync is called after each codebook synchronization.
	RecordSync(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCompress(int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordDecompress(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordUsageUpdate(time.Duration, error)          {}
func (NoopMetricsCollector) RecordReassign(float64, time.Duration, error)    {}
func (NoopMetricsCollector) RecordSync(time.Duration, error)                 {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CompressCount      atomic.Int64
	CompressImages     atomic.Int64
	CompressBytes      atomic.Int64
	CompressErrors     atomic.Int64
	CompressTotalNanos atomic.Int64

	DecompressCount      atomic.Int64
	DecompressImages     atomic.Int64
	DecompressErrors     atomic.Int64
	DecompressTotalNanos atomic.Int64

	UsageUpdateCount  atomic.Int64
	UsageUpdateErrors atomic.Int64

	ReassignCount  atomic.Int64
	ReassignErrors atomic.Int64

	SyncCount  atomic.Int64
	SyncErrors atomic.Int64
}

// RecordCompress implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompress(images int, bytes int64, duration time.Duration, err error) {
	b.CompressCount.Add(1)
	b.CompressImages.Add(int64(images))
	b.CompressBytes.Add(bytes)
	b.CompressTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CompressErrors.Add(1)
	}
}

// RecordDecompress implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDecompress(images int, duration time.Duration, err error) {
	b.DecompressCount.Add(1)
	b.DecompressImages.Add(int64(images))
	b.DecompressTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.DecompressErrors.Add(1)
	}
}

// RecordUsageUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUsageUpdate(duration time.Duration, err error) {
	b.UsageUpdateCount.Add(1)
	if err != nil {
		b.UsageUpdateErrors.Add(1)
	}
}

// RecordReassign implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReassign(proportion float64, duration time.Duration, err error) {
	b.ReassignCount.Add(1)
	if err != nil {
		b.ReassignErrors.Add(1)
	}
}

// RecordSync implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSync(duration time.Duration, err error) {
	b.SyncCount.Add(1)
	if err != nil {
		b.SyncErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CompressCount:      b.CompressCount.Load(),
		CompressImages:     b.CompressImages.Load(),
		CompressBytes:      b.CompressBytes.Load(),
		CompressErrors:     b.CompressErrors.Load(),
		CompressAvgNanos:   b.getAvgCompressNanos(),
		DecompressCount:    b.DecompressCount.Load(),
		DecompressImages:   b.DecompressImages.Load(),
		DecompressErrors:   b.DecompressErrors.Load(),
		DecompressAvgNanos: b.getAvgDecompressNanos(),
		UsageUpdateCount:   b.UsageUpdateCount.Load(),
		UsageUpdateErrors:  b.UsageUpdateErrors.Load(),
		ReassignCount:      b.ReassignCount.Load(),
		ReassignErrors:     b.ReassignErrors.Load(),
		SyncCount:          b.SyncCount.Load(),
		SyncErrors:         b.SyncErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgCompressNanos() int64 {
	count := b.CompressCount.Load()
	if count == 0 {
		return 0
	}
	return b.CompressTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgDecompressNanos() int64 {
	count := b.DecompressCount.Load()
	if count == 0 {
		return 0
	}
	return b.DecompressTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CompressCount      int64
	CompressImages     int64
	CompressBytes      int64
	CompressErrors     int64
	CompressAvgNanos   int64
	DecompressCount    int64
	DecompressImages   int64
	DecompressErrors   int64
	DecompressAvgNanos int64
	UsageUpdateCount   int64
	UsageUpdateErrors  int64
	ReassignCount      int64
	ReassignErrors     int64
	SyncCount          int64
	SyncErrors         int64
}
