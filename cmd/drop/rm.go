package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/drop/pkg/client"
)

func newRmCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id|code>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			out := newOutput(cmd, v)
			if err := client.New(serverURL(v)).Delete(ctx, args[0]); err != nil {
				return renderFailure(out, "delete", fmt.Errorf("rm %s: %w", args[0], err))
			}
			return out.Result("delete", "deleted "+args[0]).Render()
		},
	}
}
