// Package persistence serializes codec state so that codebooks and usage
// statistics survive process restarts and can be shipped between training
// workers and decode-only services.
//
// A snapshot carries, per level, the codebook entries and the frequency
// histogram the CDF tables are derived from. Sections are block-compressed
// (zstd by default) and the whole file is guarded by a CRC32 trailer.
package persistence
