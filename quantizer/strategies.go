package quantizer

import (
	"fmt"

	"github.com/hupe1980/vqgo/tensor"
)

// encodeResidual walks the levels fine to coarse. Each level quantizes its
// stage output and hands the unexpressed remainder to the next level.
func (q *Quantizer) encodeResidual(x *tensor.Feature) ([]*tensor.Codes, error) {
	levels := len(q.cfg.K)
	codes := make([]*tensor.Codes, levels)
	for lv := 0; lv < levels; lv++ {
		tf := q.cfg.Transforms[lv]
		z := tf.Stage.Apply(x)
		code, err := q.assign(lv, tf.QuantHead.Apply(z))
		if err != nil {
			return nil, err
		}
		codes[lv] = code
		if lv == levels-1 {
			break
		}

		next := tf.LatentHead.Apply(z)
		recon := q.dequantize(lv, code)
		if !next.SameShape(recon) {
			return nil, fmt.Errorf("quantizer: level %d latent %dx%d and reconstruction %dx%d differ", lv, next.H, next.W, recon.H, recon.W)
		}
		next.Sub(recon)
		x = next
	}
	return codes, nil
}

// decodeResidual rebuilds coarsest level first. Every finer level adds the
// side projection of the layer below before restoring its own output.
func (q *Quantizer) decodeResidual(codes []*tensor.Codes) (*tensor.Feature, error) {
	var former *tensor.Feature
	for lv := len(codes) - 1; lv >= 0; lv-- {
		tf := q.cfg.Transforms[lv]
		xHat := tf.DequantHead.Apply(q.dequantize(lv, codes[lv]))
		if lv < len(codes)-1 {
			side := tf.SideHead.Apply(former)
			if !xHat.SameShape(side) {
				return nil, fmt.Errorf("quantizer: level %d side output %dx%d does not match %dx%d", lv, side.H, side.W, xHat.H, xHat.W)
			}
			xHat.Add(side)
		}
		former = tf.RestoreHead.Apply(xHat)
	}
	return former, nil
}

// encodeBackward first runs every stage to collect all latents, then
// quantizes coarsest level first. Each level codes the gap between its
// latent and the reconstruction carried up from below; Backward reprojects
// that reconstruction into the next finer level's geometry.
func (q *Quantizer) encodeBackward(x *tensor.Feature) ([]*tensor.Codes, error) {
	levels := len(q.cfg.K)

	latents := make([]*tensor.Feature, levels)
	for lv := 0; lv < levels; lv++ {
		x = q.cfg.Transforms[lv].Stage.Apply(x)
		latents[lv] = x
	}

	codes := make([]*tensor.Codes, levels)
	current := latents[levels-1].ZerosLike()
	for lv := levels - 1; lv >= 0; lv-- {
		residual := latents[lv]
		if !residual.SameShape(current) {
			return nil, fmt.Errorf("quantizer: level %d latent %dx%d does not match carried reconstruction %dx%d", lv, residual.H, residual.W, current.H, current.W)
		}
		residual.Sub(current)

		code, err := q.assign(lv, residual)
		if err != nil {
			return nil, err
		}
		codes[lv] = code
		if lv > 0 {
			current = q.cfg.Transforms[lv].Backward.Apply(q.dequantize(lv, code))
		}
	}
	return codes, nil
}

// decodeBackward restores coarsest level first, adding each carried
// reconstruction to the next level's dequantized codes before its restore
// head runs. Level 0's restore output is the final feature.
func (q *Quantizer) decodeBackward(codes []*tensor.Codes) (*tensor.Feature, error) {
	var former *tensor.Feature
	for lv := len(codes) - 1; lv >= 0; lv-- {
		quantized := q.dequantize(lv, codes[lv])
		if former != nil {
			if !quantized.SameShape(former) {
				return nil, fmt.Errorf("quantizer: level %d reconstruction %dx%d does not match carried %dx%d", lv, quantized.H, quantized.W, former.H, former.W)
			}
			quantized.Add(former)
		}
		former = q.cfg.Transforms[lv].RestoreHead.Apply(quantized)
	}
	return former, nil
}
