package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Dalcio/pixelforge/models"
)

const (
	OutputContentType = "image/jpeg"
	OutputExtension   = ".jpg"
)

// Transform steps, in execution order.
const (
	StepStripMetadata    = "strip-metadata"
	StepRotate           = "rotate"
	StepFlip             = "flip"
	StepFlop             = "flop"
	StepResize           = "resize"
	StepGrayscale        = "grayscale"
	StepBlur             = "blur"
	StepSharpen          = "sharpen"
	StepFormatConversion = "format-conversion"
	StepTransformUnknown = "unknown"
)

var stepActions = map[string]string{
	StepStripMetadata:    "strip image metadata",
	StepRotate:           "rotate image",
	StepFlip:             "flip image",
	StepFlop:             "flop image",
	StepResize:           "resize image",
	StepGrayscale:        "apply grayscale",
	StepBlur:             "apply blur",
	StepSharpen:          "sharpen image",
	StepFormatConversion: "convert to JPEG",
	StepTransformUnknown: "process image",
}

type ProcessingError struct {
	Step  string
	Cause error
}

func (e *ProcessingError) Error() string {
	action, ok := stepActions[e.Step]
	if !ok {
		action = "process image"
	}
	return fmt.Sprintf("Failed to %s: %v", action, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

type TransformOptions struct {
	DefaultMaxDimension int
	DefaultQuality      int
	SharpenSigma        float64
	Timeout             time.Duration
}

// TransformService applies the requested operations and always encodes JPEG.
type TransformService struct {
	opts TransformOptions
}

func NewTransformService(opts TransformOptions) *TransformService {
	if opts.DefaultMaxDimension <= 0 {
		opts.DefaultMaxDimension = 800
	}
	if opts.DefaultQuality <= 0 {
		opts.DefaultQuality = 85
	}
	if opts.SharpenSigma <= 0 {
		opts.SharpenSigma = 1.0
	}
	return &TransformService{opts: opts}
}

type stage struct {
	step  string
	apply func(*image.NRGBA) (*image.NRGBA, error)
}

func (s *TransformService) Transform(ctx context.Context, data []byte, t *models.Transformations) ([]byte, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	var img *image.NRGBA
	err := runStep(ctx, StepStripMetadata, func() error {
		// Orientation is applied to the pixels; no other metadata survives decoding.
		src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return err
		}
		img = imaging.Clone(src)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, st := range s.stages(t) {
		apply := st.apply
		err := runStep(ctx, st.step, func() error {
			out, err := apply(img)
			if err != nil {
				return err
			}
			img = out
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	err = runStep(ctx, StepFormatConversion, func() error {
		return imaging.Encode(&buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(t.QualityOr(s.opts.DefaultQuality)))
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *TransformService) stages(t *models.Transformations) []stage {
	var stages []stage

	if angle := t.RotateAngle(); angle != 0 {
		stages = append(stages, stage{StepRotate, func(img *image.NRGBA) (*image.NRGBA, error) {
			return rotateClockwise(img, angle)
		}})
	}
	if t.WantsFlip() {
		stages = append(stages, stage{StepFlip, func(img *image.NRGBA) (*image.NRGBA, error) {
			return imaging.FlipV(img), nil
		}})
	}
	if t.WantsFlop() {
		stages = append(stages, stage{StepFlop, func(img *image.NRGBA) (*image.NRGBA, error) {
			return imaging.FlipH(img), nil
		}})
	}

	stages = append(stages, stage{StepResize, func(img *image.NRGBA) (*image.NRGBA, error) {
		w, h := s.resizeBounds(t, img.Bounds())
		out := imaging.Fit(img, w, h, imaging.Lanczos)
		if out.Bounds().Empty() {
			return nil, fmt.Errorf("resize to fit %dx%d produced an empty image", w, h)
		}
		return out, nil
	}})

	if t.WantsGrayscale() {
		stages = append(stages, stage{StepGrayscale, func(img *image.NRGBA) (*image.NRGBA, error) {
			return imaging.Grayscale(img), nil
		}})
	}
	if sigma := t.BlurSigma(); sigma > 0 {
		stages = append(stages, stage{StepBlur, func(img *image.NRGBA) (*image.NRGBA, error) {
			return imaging.Blur(img, sigma), nil
		}})
	}
	if t.WantsSharpen() {
		stages = append(stages, stage{StepSharpen, func(img *image.NRGBA) (*image.NRGBA, error) {
			return imaging.Sharpen(img, s.opts.SharpenSigma), nil
		}})
	}
	return stages
}

// resizeBounds returns the fit box. A missing dimension is bounded by the
// source so Fit never enlarges along it.
func (s *TransformService) resizeBounds(t *models.Transformations, b image.Rectangle) (int, int) {
	w, h := t.Bounds()
	if w == 0 && h == 0 {
		return s.opts.DefaultMaxDimension, s.opts.DefaultMaxDimension
	}
	if w == 0 {
		w = b.Dx()
	}
	if h == 0 {
		h = b.Dy()
	}
	return w, h
}

func rotateClockwise(img *image.NRGBA, angle int) (*image.NRGBA, error) {
	// imaging rotates counter-clockwise.
	switch angle {
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	default:
		return nil, fmt.Errorf("unsupported rotation angle %d", angle)
	}
}

// flatten composites transparent pixels onto white before JPEG encoding.
func flatten(img *image.NRGBA) *image.NRGBA {
	if img.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func runStep(ctx context.Context, step string, fn func() error) (err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ProcessingError{Step: step, Cause: ctxErr}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessingError{Step: step, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		var perr *ProcessingError
		if errors.As(err, &perr) {
			return err
		}
		return &ProcessingError{Step: step, Cause: err}
	}
	return nil
}
