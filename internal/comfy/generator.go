package comfy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmorgan81/pixelminer/internal/image"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/dmorgan81/pixelminer/internal/store"
	"github.com/dmorgan81/pixelminer/internal/workflow"
	"github.com/samber/do"
)

// Generator fulfils requests on the local server by rendering a workflow,
// running it and loading the produced images.
type Generator struct {
	Client    *Client
	Workflows *workflow.Templator
	Seeder    *image.Seeder
	Denoise   float64
	// Root is the server's installation directory. When set, files a job
	// produced or consumed are removed once they have been fetched.
	Root string
}

func NewGenerator(i *do.Injector) (*Generator, error) {
	return &Generator{
		Client:    do.MustInvoke[*Client](i),
		Workflows: do.MustInvoke[*workflow.Templator](i),
		Seeder:    do.MustInvoke[*image.Seeder](i),
		Denoise:   do.MustInvokeNamed[float64](i, "comfyui_denoise"),
		Root:      do.MustInvokeNamed[string](i, "comfyui_path"),
	}, nil
}

func (g *Generator) params(req image.Request) workflow.Params {
	return workflow.Params{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           g.Seeder.Resolve(req.Seed),
		Width:          req.Width,
		Height:         req.Height,
		Count:          req.Count,
		Denoise:        g.Denoise,
	}
}

func (g *Generator) TextToImage(ctx context.Context, req image.Request) ([]image.Image, error) {
	return g.generate(ctx, workflow.TextToImage, g.params(req), req)
}

func (g *Generator) ImageToImage(ctx context.Context, req image.Request) ([]image.Image, error) {
	if req.Source == nil {
		return nil, errors.New("image to image needs a source image")
	}

	data, err := image.EncodePNG(req.Source)
	if err != nil {
		return nil, err
	}
	name, err := store.Identify(req.Source)
	if err != nil {
		return nil, err
	}

	ref, err := g.Client.UploadImage(ctx, name+".png", data)
	if err != nil {
		return nil, fmt.Errorf("upload source image: %w", err)
	}
	defer g.remove(ctx, ref)

	params := g.params(req)
	params.Image = ref.Name()
	return g.generate(ctx, workflow.ImageToImage, params, req)
}

func (g *Generator) generate(ctx context.Context, kind workflow.Kind, params workflow.Params, req image.Request) ([]image.Image, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("comfy").With(
		"kind", kind, "seed", params.Seed, "count", params.Count,
		"width", params.Width, "height", params.Height,
	)
	log.Info("generating on local server")

	graph, err := g.Workflows.Render(ctx, kind, params)
	if err != nil {
		return nil, err
	}

	outputs, err := g.Client.run(ctx, graph)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, o := range outputs {
			g.remove(ctx, o.Ref)
		}
	}()

	images := make([]image.Image, 0, len(outputs))
	for _, o := range outputs {
		img, err := image.Load(o.Data, req.Width, req.Height)
		if err != nil {
			return nil, fmt.Errorf("load %s from node %s: %w", o.Ref.Filename, o.NodeID, err)
		}
		images = append(images, img)
	}
	return images, nil
}

var folders = map[string]bool{"input": true, "output": true, "temp": true}

// remove deletes a server-side file below Root. Failures only get logged.
func (g *Generator) remove(ctx context.Context, ref ImageRef) {
	if g.Root == "" || !folders[ref.Type] {
		return
	}
	log := log.FromContextOrDiscard(ctx).WithGroup("comfy").With("file", ref.Filename, "folder", ref.Type)

	dir := filepath.Join(g.Root, ref.Type)
	file := filepath.Join(dir, filepath.FromSlash(ref.Subfolder), filepath.Base(ref.Filename))
	if rel, err := filepath.Rel(dir, file); err != nil || strings.HasPrefix(rel, "..") {
		log.Warn("refusing to remove file outside server folder")
		return
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove server file", "error", err)
	}
}
