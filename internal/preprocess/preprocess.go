// Package preprocess holds the deterministic per-image transforms applied
// before scoring: hair removal, contrast equalization on the luminance
// channel, and shades-of-grey illumination correction.
//
// Every transform takes an opaque *image.RGBA and returns a new buffer with
// the same bounds. Inputs are never modified.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
)

const (
	HairKernelSize = 17
	HairThreshold  = 10
	InpaintRadius  = 3
	CLAHEClipLimit = 2.0
	CLAHETileGrid  = 8
	GreyWorldPower = 6
)

var ErrEmptyImage = errors.New("image has no pixels")

// Backend implements the two transforms that have a native OpenCV variant.
type Backend interface {
	Name() string
	RemoveHair(src *image.RGBA) (*image.RGBA, error)
	EqualizeContrast(src *image.RGBA) (*image.RGBA, error)
}

// NewBackend returns the backend selected at build time.
func NewBackend() Backend {
	return newBackend()
}

type Step struct {
	Name  string
	Apply func(src *image.RGBA) (*image.RGBA, error)
}

// Recipe is an ordered list of transforms applied to one branch.
type Recipe struct {
	Name  string
	Steps []Step
}

const (
	RecipeFilter    = "filter"
	RecipeDiagnosis = "diagnosis"

	StepHairRemoval  = "hair_removal"
	StepCLAHE        = "clahe"
	StepIllumination = "shades_of_grey"
)

// FilterRecipe prepares images for the skin/non-skin screening model.
func FilterRecipe(b Backend) Recipe {
	return Recipe{
		Name: RecipeFilter,
		Steps: []Step{
			{Name: StepHairRemoval, Apply: b.RemoveHair},
			{Name: StepCLAHE, Apply: b.EqualizeContrast},
			{Name: StepIllumination, Apply: func(src *image.RGBA) (*image.RGBA, error) {
				return CorrectIlluminationGrey(src, GreyWorldPower)
			}},
		},
	}
}

// DiagnosisRecipe prepares images for the fusion model. The fusion model was
// trained without illumination correction, so it is not part of this recipe.
func DiagnosisRecipe(b Backend) Recipe {
	return Recipe{
		Name: RecipeDiagnosis,
		Steps: []Step{
			{Name: StepHairRemoval, Apply: b.RemoveHair},
			{Name: StepCLAHE, Apply: b.EqualizeContrast},
		},
	}
}

// Run applies every step in order. ctx is checked between steps.
func (r Recipe) Run(ctx context.Context, src *image.RGBA) (*image.RGBA, error) {
	if err := checkImage(src); err != nil {
		return nil, err
	}

	current := src
	for _, step := range r.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := step.Apply(current)
		if err != nil {
			return nil, fmt.Errorf("%s step %s: %w", r.Name, step.Name, err)
		}
		current = next
	}
	return current, nil
}

// StepNames lists the steps in the order Run applies them.
func (r Recipe) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for _, step := range r.Steps {
		names = append(names, step.Name)
	}
	return names
}

func checkImage(img *image.RGBA) error {
	if img == nil || img.Rect.Empty() {
		return ErrEmptyImage
	}
	return nil
}
