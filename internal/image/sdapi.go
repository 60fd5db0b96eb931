package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmorgan81/pixelminer/internal/httpx"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/dmorgan81/pixelminer/internal/store"
	"github.com/samber/do"
)

const (
	textToImageSteps  = "20"
	imageToImageSteps = "25"

	// unstageTimeout bounds cleanup, which runs detached from the request context.
	unstageTimeout = 30 * time.Second
)

type payload struct {
	Key               string `json:"key"`
	Prompt            string `json:"prompt"`
	NegativePrompt    string `json:"negative_prompt,omitempty"`
	InitImage         string `json:"init_image,omitempty"`
	Seed              int64  `json:"seed"`
	NumInferenceSteps string `json:"num_inference_steps"`
	Samples           int    `json:"samples"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
}

// text accepts a JSON string or any other JSON value, kept verbatim.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(s)
		return nil
	}
	*t = text(bytes.TrimSpace(b))
	return nil
}

type response struct {
	Status  string   `json:"status"`
	Output  []string `json:"output"`
	Message text     `json:"message"`
	Tip     text     `json:"tip"`
}

// RemoteInferenceError is a failed or unreadable answer from the hosted API.
type RemoteInferenceError struct {
	Status  string
	Message string
	Tip     string
	Err     error
}

func (e *RemoteInferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stablediffusionapi: %v", e.Err)
	}
	return fmt.Sprintf("stablediffusionapi: status %q: %s (tip: %s)", e.Status, e.Message, e.Tip)
}

func (e *RemoteInferenceError) Unwrap() error { return e.Err }

// RemoteGenerator generates images through the stablediffusionapi.com HTTP API.
type RemoteGenerator struct {
	Client   *http.Client
	Key      string
	TextURL  string
	ImageURL string
	Stager   store.Stager
	Seeder   *Seeder
}

func NewRemoteGenerator(i *do.Injector) (*RemoteGenerator, error) {
	g := &RemoteGenerator{
		Client:   do.MustInvoke[*http.Client](i),
		Key:      do.MustInvokeNamed[string](i, "stablediffusion_key"),
		TextURL:  do.MustInvokeNamed[string](i, "stablediffusion_t2i_url"),
		ImageURL: do.MustInvokeNamed[string](i, "stablediffusion_i2i_url"),
		Seeder:   do.MustInvoke[*Seeder](i),
	}
	if stager, err := do.Invoke[store.Stager](i); err == nil {
		g.Stager = stager
	}
	return g, nil
}

func (g *RemoteGenerator) payload(req Request, steps string) payload {
	return payload{
		Key:               g.Key,
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		Seed:              g.Seeder.Resolve(req.Seed),
		NumInferenceSteps: steps,
		Samples:           req.Count,
		Width:             req.Width,
		Height:            req.Height,
	}
}

func (g *RemoteGenerator) TextToImage(ctx context.Context, req Request) ([]Image, error) {
	p := g.payload(req, textToImageSteps)
	log := log.FromContextOrDiscard(ctx).WithGroup("stablediffusionapi").With(
		"prompt", p.Prompt, "negative_prompt", p.NegativePrompt, "seed", p.Seed,
		"samples", p.Samples, "width", p.Width, "height", p.Height,
	)
	log.Info("calling text to image")

	urls, err := g.call(ctx, g.TextURL, p)
	if err != nil {
		return nil, err
	}
	log.Info("text to image succeeded", "images", len(urls))
	return g.load(ctx, urls, req.Width, req.Height)
}

func (g *RemoteGenerator) ImageToImage(ctx context.Context, req Request) ([]Image, error) {
	if req.Source == nil {
		return nil, errors.New("image to image needs a source image")
	}
	if g.Stager == nil {
		return nil, errors.New("image to image needs an image stager")
	}

	data, err := EncodePNG(req.Source)
	if err != nil {
		return nil, err
	}
	name, err := store.Identify(req.Source)
	if err != nil {
		return nil, err
	}

	p := g.payload(req, imageToImageSteps)
	log := log.FromContextOrDiscard(ctx).WithGroup("stablediffusionapi").With(
		"prompt", p.Prompt, "negative_prompt", p.NegativePrompt, "seed", p.Seed,
		"samples", p.Samples, "width", p.Width, "height", p.Height, "source", name,
	)
	log.Info("calling image to image")

	staged, err := g.Stager.Stage(ctx, store.UploadParams{Name: name + ".png", Data: data, ContentType: "image/png"})
	if err != nil {
		return nil, err
	}
	p.InitImage = staged.URL

	urls, err := func() ([]string, error) {
		defer g.unstage(ctx, staged)
		return g.call(ctx, g.ImageURL, p)
	}()
	if err != nil {
		return nil, err
	}
	log.Info("image to image succeeded", "images", len(urls))
	return g.load(ctx, urls, req.Width, req.Height)
}

// unstage deletes a staged image whatever happened to the request, including
// cancellation. Failures are logged, the generated images are still usable.
func (g *RemoteGenerator) unstage(ctx context.Context, staged store.Staged) {
	log := log.FromContextOrDiscard(ctx).WithGroup("stablediffusionapi").With("staged", staged.ID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unstageTimeout)
	defer cancel()

	ok, err := g.Stager.Unstage(ctx, staged.ID)
	switch {
	case err != nil:
		log.Error("failed to delete staged image", "error", err)
	case !ok:
		log.Warn("staged image was not deleted")
	}
}

func (g *RemoteGenerator) call(ctx context.Context, url string, p payload) ([]string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpx.Do(g.Client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out response
	if err := httpx.DecodeJSON(resp, &out); err != nil {
		return nil, &RemoteInferenceError{Err: fmt.Errorf("http %d: %w", resp.StatusCode, err)}
	}
	if out.Status != "success" {
		return nil, &RemoteInferenceError{Status: out.Status, Message: string(out.Message), Tip: string(out.Tip)}
	}
	return out.Output, nil
}

func (g *RemoteGenerator) load(ctx context.Context, urls []string, width, height int) ([]Image, error) {
	images := make([]Image, 0, len(urls))
	for _, url := range urls {
		data, err := httpx.Get(ctx, g.Client, url)
		if err != nil {
			return nil, fmt.Errorf("load image: %w", err)
		}
		img, err := Load(data, width, height)
		if err != nil {
			return nil, fmt.Errorf("load image %s: %w", url, err)
		}
		images = append(images, img)
	}
	return images, nil
}
