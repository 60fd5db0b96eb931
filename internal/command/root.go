// Package command holds the pixelminer command line.
package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmorgan81/pixelminer/internal/config"
	"github.com/dmorgan81/pixelminer/internal/inject"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/dmorgan81/pixelminer/internal/param"
	"github.com/samber/do"
	"github.com/spf13/cobra"
)

// probeTimeout bounds the reachability dial; comfyui.timeout is the job ceiling.
const probeTimeout = 5 * time.Second

type app struct {
	settings   config.Settings
	configPath string
	logOutput  io.Writer
	injector   *do.Injector
}

// New builds the root command and its subcommands.
func New() *cobra.Command {
	return newRoot(&app{settings: config.Default(), logOutput: os.Stderr})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pixelminer",
		Short: "Image generation miner",
		Long: `Image generation miner.

Fulfils text to image and image to image requests with a local ComfyUI server
or a hosted Stable Diffusion API.

Every flag can also be set in the YAML file given with --config, or through an
environment variable: --comfyui.port is PIXELMINER_COMFYUI_PORT. Secrets may be
given as ssm:/parameter/path references.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.injector == nil {
				return nil
			}
			return a.injector.Shutdown()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, config.ConfigFlag, "", "YAML settings file")
	config.Bind(root.PersistentFlags(), &a.settings)

	root.AddCommand(a.serveCommand(), a.lambdaCommand(), a.probeCommand())
	return root
}

func Execute(ctx context.Context) error {
	return New().ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := config.Load(cmd.Flags(), &a.settings, a.configPath); err != nil {
		return err
	}

	level, err := log.ParseLevel(a.settings.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := log.New(a.logOutput, log.Options{Level: level, DropTime: cmd.Name() == "lambda"})
	ctx := log.NewContext(cmd.Context(), logger)
	cmd.SetContext(ctx)

	a.injector = inject.Setup(ctx, &a.settings)
	if a.settings.NeedsParameterStore() {
		fetcher, err := do.Invoke[param.Fetcher](a.injector)
		if err != nil {
			return err
		}
		if err := a.settings.ResolveSecrets(ctx, fetcher); err != nil {
			return err
		}
	}
	if err := a.settings.Validate(); err != nil {
		return err
	}

	logger.Info("configured", "backend", a.settings.Backend(), "staging", a.settings.Staging.Backend)
	for _, w := range a.settings.Warnings() {
		logger.Warn(w)
	}
	return nil
}

// probe checks the local server when the comfy backend is selected.
func (a *app) probe(ctx context.Context) error {
	if a.settings.Backend() != config.BackendComfy {
		return nil
	}
	return config.Probe(ctx, a.settings.ComfyUI.Addr(), probeTimeout)
}
