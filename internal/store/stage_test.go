package store

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int, shift uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x) + shift, G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func TestIdentifyIsStable(t *testing.T) {
	first, err := Identify(gradient(64, 64, 0))
	require.NoError(t, err)
	second, err := Identify(gradient(64, 64, 0))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestIdentifyIgnoresSize(t *testing.T) {
	flat := image.NewUniform(color.Gray{Y: 10})
	a, err := Identify(&boundedUniform{flat, image.Rect(0, 0, 16, 16)})
	require.NoError(t, err)
	b, err := Identify(&boundedUniform{flat, image.Rect(0, 0, 64, 64)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type boundedUniform struct {
	*image.Uniform
	bounds image.Rectangle
}

func (b *boundedUniform) Bounds() image.Rectangle { return b.bounds }

func TestStagingErrorMessage(t *testing.T) {
	err := &StagingError{Provider: "cloudflare", Op: "upload", Errors: []string{"5400: bad image"}}
	assert.Equal(t, "cloudflare upload failed: 5400: bad image", err.Error())

	cause := errors.New("boom")
	err = &StagingError{Provider: "s3", Op: "delete", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "s3 delete failed: boom", err.Error())
}
