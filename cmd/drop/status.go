package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/drop/internal/storage"
	"github.com/gezibash/drop/pkg/client"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			out := newOutput(cmd, v)
			h, err := client.New(serverURL(v)).Health(ctx)
			if err != nil {
				return renderFailure(out, "status", err)
			}

			kv := out.KV("status").
				Set("Status", h.Status).
				Set("Metadata", h.Backend+" ("+h.Mode+")").
				Set("Memory pool", storage.FormatBytes(h.Pool.UsedBytes)+" / "+storage.FormatBytes(h.Pool.CapacityBytes)).
				Set("Active uploads", h.ActiveUploads)
			if h.Storage != nil {
				kv.Set("Files", h.Storage.TotalFiles).
					Set("In memory", h.Storage.MemoryFiles).
					Set("On disk", h.Storage.DiskFiles).
					Set("Stored", storage.FormatBytes(h.Storage.TotalSize))
			}
			return kv.Render()
		},
	}
}
