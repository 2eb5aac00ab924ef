// Package entropy derives probability models from codebook usage and packs
// code tensors into rANS byte strings.
//
// Three pieces cooperate. Tracker maintains per-level decayed usage
// histograms behind a generation counter. Model quantizes them into cached
// CDF tables, rebuilding only when the generation moves. Coder runs the rANS
// primitives over whole code tensors using the group-major symbol layout
// both ends of the wire must agree on.
package entropy
