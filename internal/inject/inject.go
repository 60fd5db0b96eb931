package inject

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/pixelminer/internal/comfy"
	"github.com/dmorgan81/pixelminer/internal/config"
	"github.com/dmorgan81/pixelminer/internal/handler"
	"github.com/dmorgan81/pixelminer/internal/image"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/dmorgan81/pixelminer/internal/metrics"
	"github.com/dmorgan81/pixelminer/internal/param"
	"github.com/dmorgan81/pixelminer/internal/server"
	"github.com/dmorgan81/pixelminer/internal/store"
	"github.com/dmorgan81/pixelminer/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do"
)

// Setup wires every component. Providers read settings when first invoked, so
// secrets resolved through the parameter store after Setup are picked up.
func Setup(ctx context.Context, settings *config.Settings) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.Provide[config.Settings](injector, func(i *do.Injector) (config.Settings, error) {
		return *settings, nil
	})

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.ProvideValue[*http.Client](injector, &http.Client{Timeout: 5 * time.Minute})
	do.Provide[param.Fetcher](injector, param.NewParameterStoreFetcher)

	setting(injector, "comfyui_addr", func(s config.Settings) string { return s.ComfyUI.Addr() })
	setting(injector, "comfyui_timeout", func(s config.Settings) time.Duration { return s.ComfyUI.Timeout })
	setting(injector, "comfyui_denoise", func(s config.Settings) float64 { return s.ComfyUI.Denoise })
	setting(injector, "comfyui_path", func(s config.Settings) string { return s.ComfyUI.Path })
	setting(injector, "workflow_t2i", func(s config.Settings) string { return s.ComfyUI.Workflow.T2I })
	setting(injector, "workflow_i2i", func(s config.Settings) string { return s.ComfyUI.Workflow.I2I })
	setting(injector, "stablediffusion_key", func(s config.Settings) string { return s.StableDiffusion.APIKey })
	setting(injector, "stablediffusion_t2i_url", func(s config.Settings) string { return s.StableDiffusion.T2IURL })
	setting(injector, "stablediffusion_i2i_url", func(s config.Settings) string { return s.StableDiffusion.I2IURL })
	setting(injector, "cloudflare_account_id", func(s config.Settings) string { return s.Cloudflare.AccountID })
	setting(injector, "cloudflare_api_token", func(s config.Settings) string { return s.Cloudflare.APIToken })
	setting(injector, "staging_bucket", func(s config.Settings) string { return s.Staging.S3.Bucket })
	setting(injector, "staging_prefix", func(s config.Settings) string { return s.Staging.S3.Prefix })
	setting(injector, "staging_public_url", func(s config.Settings) string { return s.Staging.S3.PublicURL })
	setting(injector, "staging_distribution", func(s config.Settings) string { return s.Staging.S3.Distribution })
	setting(injector, "staging_expires", func(s config.Settings) time.Duration { return s.Staging.S3.Expires })

	do.ProvideValue[comfy.ClientID](injector, comfy.NewClientID())
	do.Provide[*comfy.Client](injector, comfy.NewClient)
	do.Provide[*workflow.Templator](injector, workflow.NewTemplator)
	do.Provide[*image.Seeder](injector, image.NewSeeder)

	switch settings.Staging.Backend {
	case config.StagingCloudflare:
		do.Provide[store.Stager](injector, store.NewCloudflareStager)
	case config.StagingS3:
		do.Provide[store.Stager](injector, store.NewS3Stager)
		if settings.Staging.S3.Distribution != "" {
			do.Provide[store.Invalidator](injector, store.NewCloudFrontInvalidator)
		}
	}

	do.Provide[image.Generator](injector, func(i *do.Injector) (image.Generator, error) {
		if do.MustInvoke[config.Settings](i).Backend() == config.BackendRemote {
			return image.NewRemoteGenerator(i)
		}
		return comfy.NewGenerator(i)
	})

	do.Provide[*prometheus.Registry](injector, metrics.NewRegistry)
	do.Provide[*metrics.Collector](injector, metrics.NewCollector)
	do.Provide[*handler.Handler](injector, handler.NewHandler)
	do.Provide[*server.Server](injector, server.NewServer)

	return injector
}

func setting[T any](injector *do.Injector, name string, get func(config.Settings) T) {
	do.ProvideNamed[T](injector, name, func(i *do.Injector) (T, error) {
		return get(do.MustInvoke[config.Settings](i)), nil
	})
}
