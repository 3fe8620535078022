package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/drop/internal/storage"
	"github.com/gezibash/drop/pkg/client"
)

func newGetCmd(v *viper.Viper) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "get <id|code>",
		Short: "Download a file",
		Long: `Download a file by id or short code. The file is saved under the name
it was uploaded with unless --out is given; "--out -" writes to stdout.

Examples:
  drop get a1b2c3d4
  drop get a1b2c3d4 --out - | less`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			out := newOutput(cmd, v)
			dl, err := client.New(serverURL(v)).Download(ctx, args[0])
			if err != nil {
				return renderFailure(out, "download", fmt.Errorf("get %s: %w", args[0], err))
			}
			defer dl.Body.Close()

			if outPath == "-" {
				_, err := io.Copy(cmd.OutOrStdout(), dl.Body)
				return err
			}
			if outPath == "" {
				outPath = filepath.Base(dl.Filename)
				if outPath == "." || outPath == string(filepath.Separator) || outPath == "" {
					outPath = args[0]
				}
			}

			f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return err
			}
			n, err := io.Copy(f, dl.Body)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(outPath)
				return fmt.Errorf("write %s: %w", outPath, err)
			}

			return out.Result("download", "saved "+outPath).
				With("Content type", dl.ContentType).
				With("Size", storage.FormatBytes(n)).
				Render()
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "output path (default: uploaded filename, - for stdout)")
	return cmd
}
