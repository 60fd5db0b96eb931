// Package config holds the miner's settings: defaults, command line flags,
// an optional YAML file and PIXELMINER_* environment variables, in increasing
// order of precedence below explicit flags.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	BackendRemote = "remote"
	BackendComfy  = "comfy"

	StagingCloudflare = "cloudflare"
	StagingS3         = "s3"
	StagingNone       = "none"
)

type Range struct {
	Min int `yaml:"min" validate:"gte=0,mult8"`
	Max int `yaml:"max" validate:"gte=0,mult8"`
}

type Miner struct {
	Backend      string `yaml:"backend" validate:"omitempty,oneof=remote comfy"`
	ModelWarning bool   `yaml:"model_warning"`
	Height       Range  `yaml:"height"`
	Width        Range  `yaml:"width"`
	MaxImages    int    `yaml:"max_images" validate:"gte=1"`
	// MaxPixels caps width*height*count for one request; zero means no cap.
	MaxPixels int `yaml:"max_pixels" validate:"gte=0"`
}

type Workflow struct {
	T2I string `yaml:"t2i" validate:"omitempty,file"`
	I2I string `yaml:"i2i" validate:"omitempty,file"`
}

type ComfyUI struct {
	Address  string        `yaml:"address" validate:"required"`
	Port     int           `yaml:"port" validate:"gte=1,lte=65535"`
	Path     string        `yaml:"path" validate:"omitempty,dir"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	Denoise  float64       `yaml:"denoise" validate:"gt=0,lte=1"`
	Workflow Workflow      `yaml:"workflow"`
}

func (c ComfyUI) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

type StableDiffusion struct {
	APIKey string `yaml:"apikey"`
	T2IURL string `yaml:"t2i_url" validate:"url"`
	I2IURL string `yaml:"i2i_url" validate:"url"`
}

type Cloudflare struct {
	AccountID string `yaml:"account_id"`
	APIToken  string `yaml:"api_token"`
}

type S3 struct {
	Bucket       string        `yaml:"bucket"`
	Prefix       string        `yaml:"prefix"`
	PublicURL    string        `yaml:"public_url" validate:"omitempty,url"`
	Distribution string        `yaml:"distribution"`
	Expires      time.Duration `yaml:"expires" validate:"gte=0"`
}

type Staging struct {
	Backend string `yaml:"backend" validate:"oneof=cloudflare s3 none"`
	S3      S3     `yaml:"s3"`
}

type Server struct {
	Address string        `yaml:"address" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

type Settings struct {
	Log             Log             `yaml:"log"`
	Miner           Miner           `yaml:"miner"`
	ComfyUI         ComfyUI         `yaml:"comfyui"`
	StableDiffusion StableDiffusion `yaml:"stablediffusion"`
	Cloudflare      Cloudflare      `yaml:"cloudflare"`
	Staging         Staging         `yaml:"staging"`
	Server          Server          `yaml:"server"`
}

func Default() Settings {
	return Settings{
		Log: Log{Level: "info"},
		Miner: Miner{
			ModelWarning: true,
			Height:       Range{Max: 2048},
			Width:        Range{Max: 2048},
			MaxImages:    4,
		},
		ComfyUI: ComfyUI{
			Address: "127.0.0.1",
			Port:    8188,
			Timeout: 10 * time.Minute,
			Denoise: 0.75,
		},
		StableDiffusion: StableDiffusion{
			T2IURL: "https://stablediffusionapi.com/api/v3/text2img",
			I2IURL: "https://stablediffusionapi.com/api/v3/img2img",
		},
		Staging: Staging{
			Backend: StagingCloudflare,
			S3:      S3{Prefix: "staging/", Expires: 15 * time.Minute},
		},
		Server: Server{Address: ":8080", Timeout: 15 * time.Minute},
	}
}

// Backend is the configured generation backend. Without an explicit choice the
// hosted API is used when a key is present and the local server otherwise.
func (s Settings) Backend() string {
	if s.Miner.Backend != "" {
		return s.Miner.Backend
	}
	if s.StableDiffusion.APIKey != "" {
		return BackendRemote
	}
	return BackendComfy
}

// Warnings lists non-fatal configuration advice for the operator.
func (s Settings) Warnings() []string {
	var warnings []string
	if s.Backend() != BackendComfy {
		return warnings
	}
	if s.Miner.ModelWarning {
		warnings = append(warnings, "check that the checkpoints your workflows use are in ComfyUI/models/checkpoints; "+
			"disable this warning with --miner.model_warning=false")
	}
	if s.ComfyUI.Path == "" {
		warnings = append(warnings, "--comfyui.path is not set, generated images will not be removed from the server")
	}
	return warnings
}

// ConfigurationError lists every problem found in the settings.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
