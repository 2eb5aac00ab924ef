// Package vqgo implements the quantization and entropy-coding core of a
// learned image codec: a multi-level residual vector quantizer over grouped
// feature channels, an adaptive frequency model, and an exact rANS
// entropy-coding round trip.
//
// The neural analysis and synthesis transforms live outside this module.
// vqgo picks up at the latent feature tensor: it quantizes, entropy-codes,
// archives, and exactly reverses each of those steps.
//
// # Quick Start
//
//	ctx := context.Background()
//	codec, _ := vqgo.New(quantizer.Config{
//	    Channels: 256,
//	    Groups:   2,
//	    K:        []int{8192},
//	    Strategy: quantizer.StrategySingleLevel,
//	    Seed:     42,
//	})
//
//	result, _ := codec.Compress(ctx, features)
//	restored, _ := codec.Decompress(ctx, result.Binaries, result.Headers)
//
// Decompress reproduces the quantized reconstruction bit-exactly; the only
// loss in the pipeline is quantization itself.
//
// # Training Maintenance
//
// During training, feed the emitted codes back so the frequency model
// adapts, and periodically revive dead codebook entries:
//
//	_ = codec.UpdateUsage(ctx, result.Codes)
//	proportion, _ := codec.Reassign(ctx)
//	_ = codec.SyncCodebooks(ctx)
//
// With the default collective.Local communicator the sync is a no-op; wire
// collective/etcd to coordinate multiple worker processes.
//
// # Persistence and Archival
//
// Codec state (codebooks plus usage histograms) round-trips through
// snapshots, and compressed images archive to any blobstore.Store:
//
//	_ = codec.SnapshotToFile("codec.vqgs")
//	_ = codec.ArchiveBatch(ctx, store, result, func(i int) string {
//	    return fmt.Sprintf("img-%04d.vqg", i)
//	})
//
// # Key Features
//
//   - Single-level, residual and residual-backward quantization strategies
//   - Grouped codebooks with dead-entry reassignment
//   - 64-bit rANS with bypass escape coding and CDF self-checks
//   - EMA frequency tracking with degenerate-distribution fallback
//   - etcd-based rendezvous for multi-process training
//   - Snapshot persistence (zstd/lz4/none) and blob archival (local/minio)
package vqgo
