package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	})
	_ = v.RegisterValidation("mult8", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%8 == 0
	})
	return v
}

var validate = newValidator()

// Validate checks the settings and returns a *ConfigurationError listing every
// problem at once.
func (s *Settings) Validate() error {
	var problems []string

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	for _, r := range []struct {
		name string
		Range
	}{{"miner.height", s.Miner.Height}, {"miner.width", s.Miner.Width}} {
		if r.Min > 0 && r.Max > 0 && r.Min > r.Max {
			problems = append(problems, fmt.Sprintf("%s.min (%d) is greater than %s.max (%d)", r.name, r.Min, r.name, r.Max))
		}
	}

	if s.Backend() == BackendRemote {
		if s.StableDiffusion.APIKey == "" {
			problems = append(problems, "stablediffusion.apikey is required for the remote backend")
		}
		switch s.Staging.Backend {
		case StagingCloudflare:
			if s.Cloudflare.AccountID == "" || s.Cloudflare.APIToken == "" {
				problems = append(problems, "cloudflare.account_id and cloudflare.api_token are required for cloudflare staging")
			}
		case StagingS3:
			if s.Staging.S3.Bucket == "" {
				problems = append(problems, "staging.s3.bucket is required for s3 staging")
			}
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	name := strings.TrimPrefix(fe.Namespace(), "Settings.")
	switch fe.Tag() {
	case "mult8":
		return fmt.Sprintf("%s must be divisible by 8, but got %v", name, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], but got %q", name, fe.Param(), fe.Value())
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "file", "dir":
		return fmt.Sprintf("%s must be an existing %s, but got %q", name, fe.Tag(), fe.Value())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s, but got %v", name, fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Sprintf("%s must satisfy %s, but got %v", name, fe.Tag(), fe.Value())
	}
}

// Probe checks that something accepts connections on addr.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConfigurationError{Problems: []string{
			fmt.Sprintf("ComfyUI is not reachable on %s (%v); start it or set --comfyui.address/--comfyui.port", addr, err),
		}}
	}
	return conn.Close()
}
