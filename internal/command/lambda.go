package command

import (
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dmorgan81/pixelminer/internal/handler"
	"github.com/samber/do"
	"github.com/spf13/cobra"
)

func (a *app) lambdaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda function",
		Long: `Run as an AWS Lambda function.

The event is a generation request; "kind" selects text-to-image (the default)
or image-to-image.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := do.Invoke[*handler.Handler](a.injector)
			if err != nil {
				return err
			}
			lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx), lambda.WithEnableSIGTERM(func() {
				_ = a.injector.Shutdown()
			}))
			return nil
		},
	}
}
