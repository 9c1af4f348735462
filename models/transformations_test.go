package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestTransformations_Validate(t *testing.T) {
	tests := []struct {
		name  string
		in    *Transformations
		field string
	}{
		{name: "nil means default", in: nil},
		{name: "resize and rotate", in: &Transformations{Width: ptr(500), Height: ptr(500), Rotate: ptr(90)}},
		{name: "explicit false counts as set", in: &Transformations{Grayscale: ptr(false)}},
		{name: "blur upper bound", in: &Transformations{Blur: ptr(10.0)}},
		{name: "empty object", in: &Transformations{}, field: "transformations"},
		{name: "width too large", in: &Transformations{Width: ptr(50000)}, field: "transformations.width"},
		{name: "height zero", in: &Transformations{Height: ptr(0)}, field: "transformations.height"},
		{name: "rotate 45", in: &Transformations{Rotate: ptr(45)}, field: "transformations.rotate"},
		{name: "blur negative", in: &Transformations{Blur: ptr(-1.0)}, field: "transformations.blur"},
		{name: "blur above 10", in: &Transformations{Blur: ptr(10.5)}, field: "transformations.blur"},
		{name: "quality 0", in: &Transformations{Quality: ptr(0)}, field: "transformations.quality"},
		{name: "quality 101", in: &Transformations{Quality: ptr(101)}, field: "transformations.quality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestTransformations_Accessors(t *testing.T) {
	var none *Transformations
	w, h := none.Bounds()
	assert.Zero(t, w)
	assert.Zero(t, h)
	assert.Equal(t, 85, none.QualityOr(85))
	assert.False(t, none.WantsFlip())

	tr := &Transformations{Width: ptr(300), Quality: ptr(40), Flip: ptr(true), Blur: ptr(2.5)}
	w, h = tr.Bounds()
	assert.Equal(t, 300, w)
	assert.Zero(t, h)
	assert.Equal(t, 40, tr.QualityOr(85))
	assert.True(t, tr.WantsFlip())
	assert.False(t, tr.WantsFlop())
	assert.InDelta(t, 2.5, tr.BlurSigma(), 0.0001)
}

func TestTransformations_JSONOmitsUnset(t *testing.T) {
	raw, err := json.Marshal(&Transformations{Width: ptr(10), Grayscale: ptr(false)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"width":10,"grayscale":false}`, string(raw))
}
