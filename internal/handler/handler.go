package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	goimage "image"
	"reflect"
	"strings"
	"time"

	"github.com/dmorgan81/pixelminer/internal/config"
	"github.com/dmorgan81/pixelminer/internal/image"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/dmorgan81/pixelminer/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type Kind string

const (
	TextToImage  Kind = "text-to-image"
	ImageToImage Kind = "image-to-image"
)

type Input struct {
	// Kind selects the operation for the lambda entry point; the HTTP routes set it.
	Kind           Kind   `json:"kind,omitempty" validate:"omitempty,oneof=text-to-image image-to-image"`
	Prompt         string `json:"prompt" validate:"required"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width" validate:"gt=0,mult8"`
	Height         int    `json:"height" validate:"gt=0,mult8"`
	Count          int    `json:"num_images_per_prompt,omitempty" validate:"gte=0"`
	Seed           *int64 `json:"seed,omitempty" validate:"omitempty,gte=-1,lte=4294967295"`
	// Image is the base64 encoded source for image to image.
	Image string `json:"image,omitempty"`
}

type Output struct {
	Images []string `json:"images"`
}

// RequestError rejects a request before any backend is called.
type RequestError struct {
	Problems []string
}

func (e *RequestError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	_ = v.RegisterValidation("mult8", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%8 == 0
	})
	return v
}()

type Handler struct {
	generator image.Generator
	limits    config.Miner
	backend   string
	metrics   *metrics.Collector
}

func NewHandler(i *do.Injector) (*Handler, error) {
	settings := do.MustInvoke[config.Settings](i)
	collector, _ := do.Invoke[*metrics.Collector](i)
	return &Handler{
		generator: do.MustInvoke[image.Generator](i),
		limits:    settings.Miner,
		backend:   settings.Backend(),
		metrics:   collector,
	}, nil
}

// Handle is the lambda entry point: it dispatches on input.Kind, which
// defaults to text to image. Unknown kinds are rejected.
func (h *Handler) Handle(ctx context.Context, input Input) (Output, error) {
	switch input.Kind {
	case "", TextToImage:
		return h.TextToImage(ctx, input)
	case ImageToImage:
		return h.ImageToImage(ctx, input)
	default:
		h.metrics.Observe(string(input.Kind), h.backend, metrics.OutcomeRejected, 0, 0)
		return Output{}, &RequestError{Problems: []string{
			fmt.Sprintf("kind must be one of [%s %s], but got %q", TextToImage, ImageToImage, input.Kind),
		}}
	}
}

func (h *Handler) TextToImage(ctx context.Context, input Input) (Output, error) {
	input.Kind = TextToImage
	return h.serve(ctx, input, h.generator.TextToImage)
}

func (h *Handler) ImageToImage(ctx context.Context, input Input) (Output, error) {
	input.Kind = ImageToImage
	return h.serve(ctx, input, h.generator.ImageToImage)
}

type generateFunc func(context.Context, image.Request) ([]image.Image, error)

func (h *Handler) serve(ctx context.Context, input Input, generate generateFunc) (Output, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("Handler").With(
		"kind", input.Kind, "backend", h.backend, "width", input.Width, "height", input.Height)
	start := time.Now()

	req, err := h.request(input)
	if err != nil {
		log.Warn("rejected request", "error", err)
		h.metrics.Observe(string(input.Kind), h.backend, metrics.OutcomeRejected, time.Since(start), 0)
		return Output{}, err
	}
	log = log.With("count", req.Count, "seed", req.Seed)
	log.Info("generating")

	images, err := generate(ctx, req)
	if err != nil {
		log.Error("generation failed", "error", err)
		h.metrics.Observe(string(input.Kind), h.backend, metrics.OutcomeError, time.Since(start), 0)
		return Output{}, err
	}

	out := Output{Images: lo.Map(images, func(img image.Image, _ int) string {
		return base64.StdEncoding.EncodeToString(img.PNG)
	})}
	log.Info("generated", "images", len(out.Images), "elapsed", time.Since(start))
	h.metrics.Observe(string(input.Kind), h.backend, metrics.OutcomeOK, time.Since(start), len(out.Images))
	return out, nil
}

// request checks input against the configured limits and decodes the source
// image.
func (h *Handler) request(input Input) (image.Request, error) {
	var problems []string
	if err := validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return image.Request{}, err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	count := lo.Ternary(input.Count > 0, input.Count, 1)
	problems = append(problems, h.checkLimits(input.Width, input.Height, count)...)

	req := image.Request{
		Prompt:         input.Prompt,
		NegativePrompt: input.NegativePrompt,
		Width:          input.Width,
		Height:         input.Height,
		Count:          count,
		Seed:           lo.FromPtrOr(input.Seed, image.RandomSeed),
	}

	if input.Kind == ImageToImage {
		src, err := decodeSource(input.Image)
		if err != nil {
			problems = append(problems, err.Error())
		}
		req.Source = src
	}

	if len(problems) > 0 {
		return image.Request{}, &RequestError{Problems: problems}
	}
	return req, nil
}

func (h *Handler) checkLimits(width, height, count int) []string {
	var problems []string
	check := func(name string, v int, r config.Range) {
		if r.Min > 0 && v < r.Min {
			problems = append(problems, fmt.Sprintf("%s must be at least %d, but got %d", name, r.Min, v))
		}
		if r.Max > 0 && v > r.Max {
			problems = append(problems, fmt.Sprintf("%s must be at most %d, but got %d", name, r.Max, v))
		}
	}
	check("width", width, h.limits.Width)
	check("height", height, h.limits.Height)

	if h.limits.MaxImages > 0 && count > h.limits.MaxImages {
		problems = append(problems, fmt.Sprintf("num_images_per_prompt must be at most %d, but got %d", h.limits.MaxImages, count))
	}
	if pixels := width * height * count; h.limits.MaxPixels > 0 && pixels > h.limits.MaxPixels {
		problems = append(problems, fmt.Sprintf("request asks for %d pixels, the limit is %d", pixels, h.limits.MaxPixels))
	}
	return problems
}

func decodeSource(encoded string) (goimage.Image, error) {
	if encoded == "" {
		return nil, errors.New("image is required for image to image")
	}
	// data URLs are accepted as well as bare base64
	if _, data, ok := strings.Cut(encoded, ";base64,"); ok {
		encoded = data
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("image is not valid base64: %v", err)
	}
	src, _, err := image.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("image could not be read: %v", err)
	}
	return src, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "mult8":
		return fmt.Sprintf("%s must be divisible by 8, but got %v", fe.Field(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], but got %q", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s must satisfy %s=%s, but got %v", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
	}
}
