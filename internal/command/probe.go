package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) probeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.probe(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok, backend %s\n", a.settings.Backend())
			return nil
		},
	}
}
