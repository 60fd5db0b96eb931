package command

import (
	"github.com/dmorgan81/pixelminer/internal/server"
	"github.com/samber/do"
	"github.com/spf13/cobra"
)

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve generation requests over HTTP",
		Long: `Serve generation requests over HTTP.

Routes:
  POST /v1/text-to-image
  POST /v1/image-to-image
  GET  /healthz
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.probe(ctx); err != nil {
				return err
			}
			srv, err := do.Invoke[*server.Server](a.injector)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
