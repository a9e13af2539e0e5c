package train

import "math"

// Learning-rate and gradient-clip presets. The two discrete presets per
// value are selected by the model's fixup flag (fixup-initialized models
// carry no normalization layers and want the gentler settings).
const (
	perSampleLRFixup   = 0.00003
	perSampleLRNoFixup = 0.00006

	gnormCapFixup   = 2500.0
	gnormCapNoFixup = 4000.0

	// lrWarmupSamples is the fixed warmup horizon: below it the learning
	// rate is divided by lrWarmupDivisor.
	lrWarmupSamples = 5_000_000
	lrWarmupDivisor = 3.0

	// minLRScaleForGnorm floors the lr scale inside the gradient-clip
	// sqrt so a zero scale cannot divide by zero.
	minLRScaleForGnorm = 0.0000001
)

// Schedule computes the per-sample learning rate and the gradient-norm
// clip threshold as pure functions of the global sample counter and the
// configured flags.
type Schedule struct {
	// UseFixup selects between the two discrete presets.
	UseFixup bool

	// LRScale multiplies the base learning rate. Zero means unscaled.
	LRScale float64

	// GnormClipScale multiplies the base clip threshold. Zero means
	// unscaled.
	GnormClipScale float64
}

// lrScale returns the effective learning-rate scale.
func (s Schedule) lrScale() float64 {
	if s.LRScale == 0 {
		return 1.0
	}

	return s.LRScale
}

// PerSampleLR returns the learning rate per sample at the given global
// step. A fixed warmup applies while the step count is below the warmup
// horizon.
func (s Schedule) PerSampleLR(globalStepSamples int64) float64 {
	lr := perSampleLRNoFixup
	if s.UseFixup {
		lr = perSampleLRFixup
	}

	lr *= s.lrScale()

	if globalStepSamples < lrWarmupSamples {
		lr /= lrWarmupDivisor
	}

	return lr
}

// GnormCap returns the gradient-norm clip threshold. The threshold is
// divided by sqrt(lrScale), loosening clipping as training shifts toward
// smaller learning rates.
func (s Schedule) GnormCap() float64 {
	cap := gnormCapNoFixup
	if s.UseFixup {
		cap = gnormCapFixup
	}

	if s.GnormClipScale != 0 {
		cap *= s.GnormClipScale
	}

	return cap / math.Sqrt(math.Max(minLRScaleForGnorm, s.lrScale()))
}
