package main

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/drop/internal/storage"
	"github.com/gezibash/drop/pkg/client"
)

func newPutCmd(v *viper.Viper) *cobra.Command {
	var (
		name        string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file",
		Long: `Upload a file and print its links. Use "-" to read stdin.

Examples:
  drop put report.pdf
  tar cz dir | drop put - --name dir.tar.gz
  drop put notes.txt -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				r    io.Reader
				size int64 = -1
			)
			if args[0] == "-" {
				r = cmd.InOrStdin()
				if name == "" {
					name = "stdin"
				}
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				r, size = f, info.Size()
				if name == "" {
					name = filepath.Base(args[0])
				}
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(name))
			}

			ctx, cancel := withTimeout(cmd)
			defer cancel()

			out := newOutput(cmd, v)
			up, err := client.New(serverURL(v)).Upload(ctx, name, contentType, r, size)
			if err != nil {
				return renderFailure(out, "upload", fmt.Errorf("upload %s: %w", name, err))
			}

			kv := out.KV("upload").
				Set("ID", up.ID).
				Set("Short URL", up.ShortURL).
				Set("Full URL", up.FullURL).
				Set("Filename", up.Filename).
				Set("Size", storage.FormatBytes(up.Size))
			if up.ExpiresAt != nil {
				kv.Set("Expires", up.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
			}
			return kv.Render()
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "filename to store (default: base name of file)")
	cmd.Flags().StringVar(&contentType, "type", "", "content type (default: from extension)")
	return cmd
}
