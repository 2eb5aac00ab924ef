// Package testutil provides testing utilities for vqgo.
//
// This package is intended for use in tests and benchmarks only.
// It provides a thread-safe seeded RNG for generating deterministic
// feature tensors and code streams.
//
// # Random Tensor Generation
//
//	rng := testutil.NewRNG(seed)
//	x := rng.Feature(4, 8, 16, 16)        // standard normal latents
//	codes := rng.Codes(4, 2, 16, 16, 256) // uniform symbols in [0, 256)
//
// # Skewed Symbol Streams
//
//	codes := rng.ZipfCodes(4, 2, 16, 16, 256, 1.5) // heavy-tail symbol usage
package testutil
