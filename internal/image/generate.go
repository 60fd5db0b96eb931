package image

import (
	"context"
	goimage "image"
)

type Request struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Count          int
	// Seed is passed through unless it is RandomSeed.
	Seed   int64
	Source goimage.Image
}

// Image is a generated raster together with its PNG encoding.
type Image struct {
	Raster goimage.Image
	PNG    []byte
}

type Generator interface {
	TextToImage(context.Context, Request) ([]Image, error)
	ImageToImage(context.Context, Request) ([]Image, error)
}
