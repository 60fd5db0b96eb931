package image

import (
	"bytes"
	"fmt"
	goimage "image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

func Decode(data []byte) (goimage.Image, string, error) {
	img, format, err := goimage.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

func EncodePNG(img goimage.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fits(img goimage.Image, width, height int) bool {
	bounds := img.Bounds()
	return width <= 0 || height <= 0 || (bounds.Dx() == width && bounds.Dy() == height)
}

// Fit scales img to exactly width x height. Images that already match, or a
// non-positive target, leave img untouched.
func Fit(img goimage.Image, width, height int) goimage.Image {
	if fits(img, width, height) {
		return img
	}
	dst := goimage.NewRGBA(goimage.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Load decodes data, fits it to width x height and keeps a PNG encoding. The
// original bytes are reused when nothing had to change.
func Load(data []byte, width, height int) (Image, error) {
	raster, format, err := Decode(data)
	if err != nil {
		return Image{}, err
	}

	if fits(raster, width, height) && format == "png" {
		return Image{Raster: raster, PNG: data}, nil
	}

	fitted := Fit(raster, width, height)
	encoded, err := EncodePNG(fitted)
	if err != nil {
		return Image{}, err
	}
	return Image{Raster: fitted, PNG: encoded}, nil
}
