// Package scoring wraps the filter and fusion classifiers behind an
// "image tensors in, class probabilities out" contract.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dunamismax/skinsight/internal/tensor"
)

// ErrUnavailable reports a capability whose model is not loaded or has been
// closed. It is an outcome, not a scoring failure.
var ErrUnavailable = errors.New("model not loaded")

// Class ids of the filter model.
const (
	FilterClassRandom = 0
	FilterClassSkin   = 1
)

// Class ids of the fusion model.
const (
	FusionClassMelanoma = 0
	FusionClassTinea    = 1
)

// NumClasses is the width of both classifier heads.
const NumClasses = 2

// FilterScorer scores a 224x224 tensor as random object vs skin.
type FilterScorer interface {
	ScoreFilter(ctx context.Context, input tensor.Tensor) (Probabilities, error)
}

// FusionScorer scores the same image prepared at 224 and 299 as
// melanoma vs tinea.
type FusionScorer interface {
	ScoreFusion(ctx context.Context, small, large tensor.Tensor) (Probabilities, error)
}

// FilterFunc adapts a function to FilterScorer.
type FilterFunc func(ctx context.Context, input tensor.Tensor) (Probabilities, error)

func (f FilterFunc) ScoreFilter(ctx context.Context, input tensor.Tensor) (Probabilities, error) {
	return f(ctx, input)
}

// FusionFunc adapts a function to FusionScorer.
type FusionFunc func(ctx context.Context, small, large tensor.Tensor) (Probabilities, error)

func (f FusionFunc) ScoreFusion(ctx context.Context, small, large tensor.Tensor) (Probabilities, error) {
	return f(ctx, small, large)
}

// Probabilities is a distribution over class ids.
type Probabilities []float64

const sumTolerance = 1e-3

// Validate checks the distribution has n finite non-negative entries summing
// to one.
func (p Probabilities) Validate(n int) error {
	if len(p) != n {
		return fmt.Errorf("expected %d class probabilities, got %d", n, len(p))
	}
	var sum float64
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("class %d probability %v is invalid", i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > sumTolerance {
		return fmt.Errorf("class probabilities sum to %v", sum)
	}
	return nil
}

// Argmax returns the most likely class and its probability. Ties go to the
// lowest class id.
func (p Probabilities) Argmax() (int, float64) {
	if len(p) == 0 {
		return -1, 0
	}
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best, p[best]
}

// Softmax converts raw logits into probabilities.
func Softmax(logits []float32) Probabilities {
	if len(logits) == 0 {
		return nil
	}
	peak := math.Inf(-1)
	for _, v := range logits {
		peak = math.Max(peak, float64(v))
	}

	out := make(Probabilities, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
