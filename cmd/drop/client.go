package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/drop/internal/cli"
	"github.com/gezibash/drop/pkg/client"
)

const (
	defaultServer = "http://localhost:3000"
	clientTimeout = 30 * time.Second
)

func serverURL(v *viper.Viper) string {
	if s := v.GetString("server"); s != "" {
		return s
	}
	if s := os.Getenv("DROP_SERVER"); s != "" {
		return s
	}
	return defaultServer
}

func newOutput(cmd *cobra.Command, v *viper.Viper) *cli.Output {
	return cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
}

// renderFailure prints a server rejection in the selected format and
// returns err so the command exits non-zero.
func renderFailure(out *cli.Output, resultType string, err error) error {
	var se *client.StatusError
	if errors.As(err, &se) {
		e := out.Error(resultType, se).WithCode(strconv.Itoa(se.Code))
		if rerr := e.Render(); rerr != nil {
			return rerr
		}
	}
	return err
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), clientTimeout)
}
