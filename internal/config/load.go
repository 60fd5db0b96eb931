package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dmorgan81/pixelminer/internal/param"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PIXELMINER_"

// ConfigFlag names the flag holding the settings file path.
const ConfigFlag = "config"

// Bind registers a flag for every setting, writing into s.
func Bind(fs *pflag.FlagSet, s *Settings) {
	fs.StringVar(&s.Log.Level, "log.level", s.Log.Level, "log level (debug, info, warn, error)")

	fs.StringVar(&s.Miner.Backend, "miner.backend", s.Miner.Backend, "generation backend: remote or comfy (default: remote when an API key is set)")
	fs.BoolVar(&s.Miner.ModelWarning, "miner.model_warning", s.Miner.ModelWarning, "warn about checkpoint locations at startup")
	fs.IntVar(&s.Miner.Height.Max, "miner.height.max", s.Miner.Height.Max, "largest accepted height, a multiple of 8")
	fs.IntVar(&s.Miner.Height.Min, "miner.height.min", s.Miner.Height.Min, "smallest accepted height, a multiple of 8")
	fs.IntVar(&s.Miner.Width.Max, "miner.width.max", s.Miner.Width.Max, "largest accepted width, a multiple of 8")
	fs.IntVar(&s.Miner.Width.Min, "miner.width.min", s.Miner.Width.Min, "smallest accepted width, a multiple of 8")
	fs.IntVar(&s.Miner.MaxImages, "miner.max_images", s.Miner.MaxImages, "most images generated for one request")
	fs.IntVar(&s.Miner.MaxPixels, "miner.max_pixels", s.Miner.MaxPixels, "cap on width*height*images for one request (0 disables)")

	fs.StringVar(&s.ComfyUI.Address, "comfyui.address", s.ComfyUI.Address, "ComfyUI host")
	fs.IntVar(&s.ComfyUI.Port, "comfyui.port", s.ComfyUI.Port, "ComfyUI port")
	fs.StringVar(&s.ComfyUI.Path, "comfyui.path", s.ComfyUI.Path, "ComfyUI installation directory, enables removal of generated files")
	fs.DurationVar(&s.ComfyUI.Timeout, "comfyui.timeout", s.ComfyUI.Timeout, "how long to wait for a job to complete")
	fs.Float64Var(&s.ComfyUI.Denoise, "comfyui.denoise", s.ComfyUI.Denoise, "denoise strength for image to image")
	fs.StringVar(&s.ComfyUI.Workflow.T2I, "comfyui.workflow.t2i", s.ComfyUI.Workflow.T2I, "text to image workflow template (default: built in)")
	fs.StringVar(&s.ComfyUI.Workflow.I2I, "comfyui.workflow.i2i", s.ComfyUI.Workflow.I2I, "image to image workflow template (default: built in)")

	fs.StringVar(&s.StableDiffusion.APIKey, "stablediffusion.apikey", s.StableDiffusion.APIKey, "stablediffusionapi.com key, or ssm:/path")
	fs.StringVar(&s.StableDiffusion.T2IURL, "stablediffusion.t2i_url", s.StableDiffusion.T2IURL, "text to image endpoint")
	fs.StringVar(&s.StableDiffusion.I2IURL, "stablediffusion.i2i_url", s.StableDiffusion.I2IURL, "image to image endpoint")

	fs.StringVar(&s.Cloudflare.AccountID, "cloudflare.account_id", s.Cloudflare.AccountID, "Cloudflare account id, or ssm:/path")
	fs.StringVar(&s.Cloudflare.APIToken, "cloudflare.api_token", s.Cloudflare.APIToken, "Cloudflare Images token, or ssm:/path")

	fs.StringVar(&s.Staging.Backend, "staging.backend", s.Staging.Backend, "where source images are staged: cloudflare, s3 or none")
	fs.StringVar(&s.Staging.S3.Bucket, "staging.s3.bucket", s.Staging.S3.Bucket, "bucket for staged images")
	fs.StringVar(&s.Staging.S3.Prefix, "staging.s3.prefix", s.Staging.S3.Prefix, "key prefix for staged images")
	fs.StringVar(&s.Staging.S3.PublicURL, "staging.s3.public_url", s.Staging.S3.PublicURL, "public base URL of the bucket (default: presigned URLs)")
	fs.StringVar(&s.Staging.S3.Distribution, "staging.s3.distribution", s.Staging.S3.Distribution, "CloudFront distribution to invalidate after unstaging")
	fs.DurationVar(&s.Staging.S3.Expires, "staging.s3.expires", s.Staging.S3.Expires, "lifetime of presigned URLs")

	fs.StringVar(&s.Server.Address, "server.address", s.Server.Address, "listen address of the HTTP server")
	fs.DurationVar(&s.Server.Timeout, "server.timeout", s.Server.Timeout, "upper bound on one request")
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(flag))
}

// Load layers the YAML file at path (if any) and PIXELMINER_* variables under
// the flags given explicitly on the command line.
func Load(fs *pflag.FlagSet, s *Settings, path string) error {
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if _, ok := explicit[ConfigFlag]; !ok {
		if v, ok := os.LookupEnv(envName(ConfigFlag)); ok {
			path = v
		}
	}
	if path != "" {
		if err := LoadFile(path, s); err != nil {
			return err
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if _, ok := explicit[f.Name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envName(f.Name)); ok {
			if err := f.Value.Set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
			}
		}
	})
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func LoadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (s *Settings) secrets() []*string {
	return []*string{&s.StableDiffusion.APIKey, &s.Cloudflare.AccountID, &s.Cloudflare.APIToken}
}

// NeedsParameterStore reports whether any secret references the parameter store.
func (s *Settings) NeedsParameterStore() bool {
	for _, v := range s.secrets() {
		if param.IsReference(*v) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces ssm: references with their values.
func (s *Settings) ResolveSecrets(ctx context.Context, f param.Fetcher) error {
	for _, v := range s.secrets() {
		resolved, err := param.Resolve(ctx, f, *v)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *v, err)
		}
		*v = resolved
	}
	return nil
}
