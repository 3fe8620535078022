package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd(viper.New()).ExecuteContext(context.Background())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drop",
		Short: "Temporary file sharing server",
		Long: `drop - upload a file, get a short link.

Server commands:
  drop serve              Run the HTTP server

Client commands:
  drop put <file>         Upload a file
  drop get <id|code>      Download a file
  drop rm <id|code>       Delete a file
  drop status             Show server health`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("server", "", "drop server URL (default http://localhost:3000)")
	_ = v.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, yaml, markdown)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newPutCmd(v),
		newGetCmd(v),
		newRmCmd(v),
		newStatusCmd(v),
		newVersionCmd(v),
	)

	return rootCmd
}
