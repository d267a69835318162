package diagnosis

import "github.com/dunamismax/skinsight/internal/scoring"

// Outcome tags how far an upload got through the pipeline.
type Outcome string

const (
	OutcomeRejected     Outcome = "rejected"
	OutcomeSkinUnscored Outcome = "skin_unscored"
	OutcomeDiagnosed    Outcome = "diagnosed"
)

// Labels, stages and messages as reported to clients.
const (
	LabelRandomObject = "Random Object"
	LabelSkin         = "Skin"
	LabelSkinUnscored = "Skin (Model Not Loaded)"
	LabelMelanoma     = "Melanoma"
	LabelTinea        = "Tinea"

	StageFilterRejection = "Filter Data Rejection"
	StageFilterOnly      = "Filter Only"
	StageDiagnosis       = "Diagnosis"

	MessageRejected     = "Image rejected as non-skin."
	MessageSkinUnscored = "Fusion model unavailable for diagnosis."
	FilterCheckPassed   = "Passed (Skin)"
)

var (
	filterLabels = [scoring.NumClasses]string{
		scoring.FilterClassRandom: LabelRandomObject,
		scoring.FilterClassSkin:   LabelSkin,
	}
	fusionLabels = [scoring.NumClasses]string{
		scoring.FusionClassMelanoma: LabelMelanoma,
		scoring.FusionClassTinea:    LabelTinea,
	}
)

// Result is the outcome of one diagnosis. Confidence is the filter
// confidence for Rejected and SkinUnscored, and the fusion confidence for
// Diagnosed.
type Result struct {
	Outcome          Outcome
	Label            string
	Confidence       float64
	FilterConfidence float64
}

// Report is the client-facing shape of a Result.
type Report struct {
	Class            string   `json:"class"`
	Confidence       float64  `json:"confidence"`
	Stage            string   `json:"stage"`
	Message          string   `json:"message,omitempty"`
	FilterCheck      string   `json:"filter_check,omitempty"`
	FilterConfidence *float64 `json:"filter_confidence,omitempty"`
}

func (r Result) Report() Report {
	switch r.Outcome {
	case OutcomeRejected:
		return Report{
			Class:      r.Label,
			Confidence: r.Confidence,
			Stage:      StageFilterRejection,
			Message:    MessageRejected,
		}
	case OutcomeSkinUnscored:
		return Report{
			Class:      r.Label,
			Confidence: r.Confidence,
			Stage:      StageFilterOnly,
			Message:    MessageSkinUnscored,
		}
	default:
		filterConfidence := r.FilterConfidence
		return Report{
			Class:            r.Label,
			Confidence:       r.Confidence,
			Stage:            StageDiagnosis,
			FilterCheck:      FilterCheckPassed,
			FilterConfidence: &filterConfidence,
		}
	}
}
