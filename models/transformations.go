package models

import "fmt"

const (
	MaxDimension = 4000
	MaxBlur      = 10.0
)

// Transformations is the optional set of operations requested for a job.
// A nil field means the operation was not requested.
type Transformations struct {
	Width     *int     `json:"width,omitempty"`
	Height    *int     `json:"height,omitempty"`
	Rotate    *int     `json:"rotate,omitempty"`
	Grayscale *bool    `json:"grayscale,omitempty"`
	Blur      *float64 `json:"blur,omitempty"`
	Sharpen   *bool    `json:"sharpen,omitempty"`
	Flip      *bool    `json:"flip,omitempty"`
	Flop      *bool    `json:"flop,omitempty"`
	Quality   *int     `json:"quality,omitempty"`
}

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (t *Transformations) IsEmpty() bool {
	return t.Width == nil && t.Height == nil && t.Rotate == nil &&
		t.Grayscale == nil && t.Blur == nil && t.Sharpen == nil &&
		t.Flip == nil && t.Flop == nil && t.Quality == nil
}

// Validate enforces the field ranges. A nil receiver is valid and means
// the default optimize behavior.
func (t *Transformations) Validate() error {
	if t == nil {
		return nil
	}
	if t.IsEmpty() {
		return &ValidationError{
			Field:   "transformations",
			Message: "at least one transformation property is required (width, height, grayscale, blur, sharpen, rotate, flip, flop, or quality)",
		}
	}
	if err := checkRange("transformations.width", t.Width, 1, MaxDimension); err != nil {
		return err
	}
	if err := checkRange("transformations.height", t.Height, 1, MaxDimension); err != nil {
		return err
	}
	if err := checkRange("transformations.quality", t.Quality, 1, 100); err != nil {
		return err
	}
	if t.Rotate != nil {
		switch *t.Rotate {
		case 0, 90, 180, 270:
		default:
			return &ValidationError{Field: "transformations.rotate", Message: "must be one of [0, 90, 180, 270]"}
		}
	}
	if t.Blur != nil && (*t.Blur < 0 || *t.Blur > MaxBlur) {
		return &ValidationError{Field: "transformations.blur", Message: "must be between 0 and 10"}
	}
	return nil
}

func checkRange(field string, v *int, lo, hi int) error {
	if v == nil {
		return nil
	}
	if *v < lo || *v > hi {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return nil
}

func (t *Transformations) WantsGrayscale() bool { return t != nil && t.Grayscale != nil && *t.Grayscale }
func (t *Transformations) WantsSharpen() bool   { return t != nil && t.Sharpen != nil && *t.Sharpen }
func (t *Transformations) WantsFlip() bool      { return t != nil && t.Flip != nil && *t.Flip }
func (t *Transformations) WantsFlop() bool      { return t != nil && t.Flop != nil && *t.Flop }

func (t *Transformations) RotateAngle() int {
	if t == nil || t.Rotate == nil {
		return 0
	}
	return *t.Rotate
}

func (t *Transformations) BlurSigma() float64 {
	if t == nil || t.Blur == nil {
		return 0
	}
	return *t.Blur
}

// Bounds returns the requested width and height, 0 meaning unset.
func (t *Transformations) Bounds() (int, int) {
	if t == nil {
		return 0, 0
	}
	var w, h int
	if t.Width != nil {
		w = *t.Width
	}
	if t.Height != nil {
		h = *t.Height
	}
	return w, h
}

func (t *Transformations) QualityOr(def int) int {
	if t == nil || t.Quality == nil {
		return def
	}
	return *t.Quality
}
