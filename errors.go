package vqgo

import (
	"errors"

	"github.com/hupe1980/vqgo/entropy"
)

var (
	// ErrStateMismatch is returned when an artifact's fingerprint does not
	// match the codec state decoding it. Decoding against the wrong tables
	// would not fail, it would silently produce wrong codes, so the
	// mismatch is rejected up front.
	ErrStateMismatch = errors.New("vqgo: artifact fingerprint does not match codec state")

	// ErrRoundTrip is returned by self-checked compression when an
	// immediate re-decode does not reproduce the encoded symbols.
	ErrRoundTrip = entropy.ErrRoundTrip
)
