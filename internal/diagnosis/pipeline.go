// Package diagnosis runs the two-stage skin classification: a filter model
// rejects non-skin uploads, and a fusion model labels the rest as melanoma
// or tinea.
package diagnosis

import (
	"context"
	"errors"
	"image"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/skinsight/internal/imagecodec"
	"github.com/dunamismax/skinsight/internal/preprocess"
	"github.com/dunamismax/skinsight/internal/scoring"
	"github.com/dunamismax/skinsight/internal/tensor"
)

// Pipeline stage names, used for spans, metrics and TransformError.Stage.
const (
	StageDecode        = "decode"
	StageFilterPrep    = "filter_prep"
	StageFilterScore   = "filter_score"
	StageDiagnosisPrep = "diagnosis_prep"
	StageFusionScore   = "fusion_score"
)

const tracerName = "github.com/dunamismax/skinsight/internal/diagnosis"

// Pipeline is safe for concurrent use; it holds no per-request state.
type Pipeline struct {
	decoder         imagecodec.Decoder
	filterRecipe    preprocess.Recipe
	diagnosisRecipe preprocess.Recipe
	filter          scoring.FilterScorer
	fusion          scoring.FusionScorer
	metrics         *Metrics
	tracer          trace.Tracer
	logger          *zap.Logger
}

// New builds a pipeline over the loaded models. metrics may be nil.
func New(models *scoring.Registry, decoder imagecodec.Decoder, backend preprocess.Backend, metrics *Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		decoder:         decoder,
		filterRecipe:    preprocess.FilterRecipe(backend),
		diagnosisRecipe: preprocess.DiagnosisRecipe(backend),
		metrics:         metrics,
		tracer:          otel.Tracer(tracerName),
		logger:          logger.Named("diagnosis"),
	}
	if models != nil {
		p.filter = models.Filter
		p.fusion = models.Fusion
	}
	p.logger.Info("pipeline ready",
		zap.Bool("filter_loaded", p.filter != nil),
		zap.Bool("fusion_loaded", p.fusion != nil),
		zap.Strings("filter_steps", p.filterRecipe.StepNames()),
		zap.Strings("diagnosis_steps", p.diagnosisRecipe.StepNames()),
	)
	return p
}

// Ready reports whether uploads can be diagnosed at all.
func (p *Pipeline) Ready() bool {
	return p.filter != nil
}

// Diagnose decodes the upload and runs it through the filter and, for skin
// images with a fusion model available, the fusion model.
func (p *Pipeline) Diagnose(ctx context.Context, data []byte) (Result, error) {
	if p.filter == nil {
		return Result{}, ErrNotConfigured
	}

	ctx, span := p.tracer.Start(ctx, "diagnosis.Diagnose")
	defer span.End()

	result, err := p.diagnose(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("diagnosis.outcome", string(result.Outcome)),
		attribute.String("diagnosis.class", result.Label),
	)
	p.metrics.observeOutcome(result.Outcome)
	return result, nil
}

func (p *Pipeline) diagnose(ctx context.Context, data []byte) (Result, error) {
	var raw *image.RGBA
	err := p.stage(ctx, StageDecode, func(ctx context.Context) error {
		img, err := p.decoder.Decode(ctx, data)
		if err != nil {
			return &DecodeError{Err: err}
		}
		raw = img
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var filterInput tensor.Tensor
	err = p.stage(ctx, StageFilterPrep, func(ctx context.Context) error {
		normalized, err := p.filterRecipe.Run(ctx, raw)
		if err != nil {
			return &TransformError{Stage: StageFilterPrep, Err: err}
		}
		filterInput, err = tensor.Prepare(normalized, tensor.SizeSmall)
		if err != nil {
			return &TransformError{Stage: StageFilterPrep, Err: err}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var filterClass int
	var filterConfidence float64
	err = p.stage(ctx, StageFilterScore, func(ctx context.Context) error {
		probs, err := p.filter.ScoreFilter(ctx, filterInput)
		if errors.Is(err, scoring.ErrUnavailable) {
			return ErrNotConfigured
		}
		if err == nil {
			err = probs.Validate(scoring.NumClasses)
		}
		if err != nil {
			return &ScoringError{Model: "filter", Err: err}
		}
		filterClass, filterConfidence = probs.Argmax()
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if filterClass == scoring.FilterClassRandom {
		return Result{
			Outcome:          OutcomeRejected,
			Label:            filterLabels[filterClass],
			Confidence:       filterConfidence,
			FilterConfidence: filterConfidence,
		}, nil
	}
	skinUnscored := Result{
		Outcome:          OutcomeSkinUnscored,
		Label:            LabelSkinUnscored,
		Confidence:       filterConfidence,
		FilterConfidence: filterConfidence,
	}
	if p.fusion == nil {
		return skinUnscored, nil
	}

	var fusionInputs []tensor.Tensor
	err = p.stage(ctx, StageDiagnosisPrep, func(ctx context.Context) error {
		normalized, err := p.diagnosisRecipe.Run(ctx, raw)
		if err != nil {
			return &TransformError{Stage: StageDiagnosisPrep, Err: err}
		}
		fusionInputs, err = tensor.PrepareSizes(normalized, tensor.SizeSmall, tensor.SizeLarge)
		if err != nil {
			return &TransformError{Stage: StageDiagnosisPrep, Err: err}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var fusionClass int
	var fusionConfidence float64
	fusionUnavailable := false
	err = p.stage(ctx, StageFusionScore, func(ctx context.Context) error {
		probs, err := p.fusion.ScoreFusion(ctx, fusionInputs[0], fusionInputs[1])
		if errors.Is(err, scoring.ErrUnavailable) {
			fusionUnavailable = true
			return nil
		}
		if err == nil {
			err = probs.Validate(scoring.NumClasses)
		}
		if err != nil {
			return &ScoringError{Model: "fusion", Err: err}
		}
		fusionClass, fusionConfidence = probs.Argmax()
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if fusionUnavailable {
		return skinUnscored, nil
	}

	return Result{
		Outcome:          OutcomeDiagnosed,
		Label:            fusionLabels[fusionClass],
		Confidence:       fusionConfidence,
		FilterConfidence: filterConfidence,
	}, nil
}

// stage runs fn inside its own span. Cancellation is checked before the
// stage starts and wins over any error fn reports.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "diagnosis."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		err = ctxErr
	}
	p.metrics.observeStage(name, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			p.logger.Debug("stage failed", zap.String("stage", name), zap.Error(err))
		}
		return err
	}
	p.logger.Debug("stage done", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	return nil
}
