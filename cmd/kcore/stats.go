package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/sushant-115/kcore/core/kernel"
	"github.com/sushant-115/kcore/core/memory/pagealloc"
	"github.com/sushant-115/kcore/core/storage/blockdev"
)

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Boot and print the memory layout and initial counters",
		Long: `The stats command boots the kernel from the configuration and prints the
pool layout together with the allocator and cache counters as JSON.

Example:
  kcore stats
  kcore stats --config kcore.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, cleanup, err := bootKernel()
			if err != nil {
				return err
			}
			defer cleanup()
			return printJSON(os.Stdout, newReport(k))
		},
	}
}

// Layout describes where the pool lives.
type Layout struct {
	PoolStart string `json:"pool_start"`
	PoolEnd   string `json:"pool_end"`
	PageSize  int    `json:"page_size"`
	BlockSize int    `json:"block_size"`
	NCPU      int    `json:"ncpu"`
	Storage   string `json:"storage"`
}

// Report is what the stats and stress commands print.
type Report struct {
	Layout Layout       `json:"layout"`
	Stats  kernel.Stats `json:"stats"`
}

func newReport(k *kernel.Kernel) Report {
	start, end := k.Pages.Bounds()
	return Report{
		Layout: Layout{
			PoolStart: fmt.Sprintf("%#x", start),
			PoolEnd:   fmt.Sprintf("%#x", end),
			PageSize:  pagealloc.PageSize,
			BlockSize: blockdev.BlockSize,
			NCPU:      k.Pages.NCPU(),
			Storage:   k.Config.Storage.Backend,
		},
		Stats: k.Stats(),
	}
}
