// Package workflow renders generation graphs for the local server from JSON
// templates. The defaults are the stock ComfyUI text-to-image and
// image-to-image graphs; operators may point at their own exported workflows.
package workflow

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/samber/do"
)

//go:embed assets/text_to_image.json
var textToImageTmpl string

//go:embed assets/image_to_image.json
var imageToImageTmpl string

type Kind string

const (
	TextToImage  Kind = "text_to_image"
	ImageToImage Kind = "image_to_image"
)

type Params struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	Width          int
	Height         int
	Count          int
	// Image is the name of an image already uploaded to the server.
	Image   string
	Denoise float64
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

type Templator struct {
	tmpls map[Kind]*template.Template
}

func NewTemplator(i *do.Injector) (*Templator, error) {
	return Load(
		do.MustInvokeNamed[string](i, "workflow_t2i"),
		do.MustInvokeNamed[string](i, "workflow_i2i"),
	)
}

// Load parses the embedded templates, replacing each with the file at the
// matching path when the path is not empty.
func Load(textToImagePath, imageToImagePath string) (*Templator, error) {
	t := &Templator{tmpls: map[Kind]*template.Template{}}
	for kind, src := range map[Kind]struct{ path, fallback string }{
		TextToImage:  {textToImagePath, textToImageTmpl},
		ImageToImage: {imageToImagePath, imageToImageTmpl},
	} {
		text := src.fallback
		if src.path != "" {
			data, err := os.ReadFile(src.path)
			if err != nil {
				return nil, fmt.Errorf("read %s workflow: %w", kind, err)
			}
			text = string(data)
		}
		tmpl, err := template.New(string(kind)).Funcs(funcs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s workflow: %w", kind, err)
		}
		t.tmpls[kind] = tmpl
	}
	return t, nil
}

func (t *Templator) Render(ctx context.Context, kind Kind, params Params) (json.RawMessage, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("workflow").With("kind", kind)
	log.Debug("rendering workflow")

	tmpl, ok := t.tmpls[kind]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", kind)
	}

	var data bytes.Buffer
	if err := tmpl.Execute(&data, params); err != nil {
		return nil, err
	}
	if !json.Valid(data.Bytes()) {
		return nil, fmt.Errorf("%s workflow did not render to valid JSON", kind)
	}
	return data.Bytes(), nil
}
