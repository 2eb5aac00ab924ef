package quantizer

import (
	"fmt"

	"github.com/hupe1980/vqgo/tensor"
)

// Transform maps a feature tensor to a feature tensor. Implementations
// stand in for the neural stages and heads surrounding the quantizer in the
// full codec. They must be deterministic, preserve the channel count, and
// return a tensor the caller owns, never an alias of x.
type Transform interface {
	Apply(x *tensor.Feature) *tensor.Feature
}

// Identity copies its input unchanged.
type Identity struct{}

func (Identity) Apply(x *tensor.Feature) *tensor.Feature {
	return x.Clone()
}

// AvgPool2 halves the spatial resolution by averaging 2x2 blocks. Input
// spatial sizes must be even.
type AvgPool2 struct{}

func (AvgPool2) Apply(x *tensor.Feature) *tensor.Feature {
	if x.H%2 != 0 || x.W%2 != 0 {
		panic(fmt.Sprintf("quantizer: avg pool on odd size %dx%d", x.H, x.W))
	}

	out := tensor.NewFeature(x.N, x.C, x.H/2, x.W/2)
	for n := 0; n < out.N; n++ {
		for c := 0; c < out.C; c++ {
			for y := 0; y < out.H; y++ {
				for xx := 0; xx < out.W; xx++ {
					sum := x.At(n, c, 2*y, 2*xx) +
						x.At(n, c, 2*y, 2*xx+1) +
						x.At(n, c, 2*y+1, 2*xx) +
						x.At(n, c, 2*y+1, 2*xx+1)
					out.Set(n, c, y, xx, sum/4)
				}
			}
		}
	}
	return out
}

// Upsample2 doubles the spatial resolution by nearest-neighbor repetition.
type Upsample2 struct{}

func (Upsample2) Apply(x *tensor.Feature) *tensor.Feature {
	out := tensor.NewFeature(x.N, x.C, x.H*2, x.W*2)
	for n := 0; n < out.N; n++ {
		for c := 0; c < out.C; c++ {
			for y := 0; y < out.H; y++ {
				for xx := 0; xx < out.W; xx++ {
					out.Set(n, c, y, xx, x.At(n, c, y/2, xx/2))
				}
			}
		}
	}
	return out
}
