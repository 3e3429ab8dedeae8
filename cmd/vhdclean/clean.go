package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/vorteil/vhdchain/pkg/cleaner"
	"github.com/vorteil/vhdchain/pkg/vhd"
)

var (
	flagRemove      bool
	flagMerge       bool
	flagFixMetadata bool
	flagMergeLimit  int
)

var cleanCmd = &cobra.Command{
	Use:   "clean VMDIR",
	Short: "Scan VMDIR and prune, merge, and repair as instructed by flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmDir := args[0]
		handler := vhd.NewLocalHandler()

		progress := mpb.New()
		var mu sync.Mutex
		bars := map[string]*mpb.Bar{}

		opts := cleaner.Options{
			Remove:      flagRemove,
			Merge:       flagMerge,
			FixMetadata: flagFixMetadata,
			MergeLimit:  flagMergeLimit,
			Logger:      log,
			OnMergeProgress: func(parent, child string, p vhd.Progress) {
				mu.Lock()
				bar, ok := bars[child]
				if !ok {
					bar = progress.AddBar(int64(p.Total),
						mpb.PrependDecorators(decor.Name(fmt.Sprintf("merge %s", child))),
						mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
					)
					bars[child] = bar
				}
				mu.Unlock()
				bar.SetCurrent(int64(p.Done))
			},
		}

		report, err := cleaner.Clean(handler, vmDir, opts)
		progress.Wait()
		if err != nil {
			return err
		}

		printReport(report)
		return nil
	},
}

func init() {
	f := cleanCmd.Flags()
	f.BoolVar(&flagRemove, "remove", false, "delete broken and orphaned VHDs")
	f.BoolVar(&flagMerge, "merge", false, "coalesce unused differencing chains")
	f.BoolVar(&flagFixMetadata, "fix-metadata", false, "grow backup JSON sizes that fell out of date")
	f.IntVar(&flagMergeLimit, "merge-limit", 1, "maximum concurrent chain merges")
}

func printReport(r *cleaner.Report) {
	fmt.Printf("scanned %d VHDs\n", len(r.VHDs))
	for _, p := range r.Removed {
		fmt.Printf("removed: %s\n", p)
	}
	for _, chain := range r.MergedChains {
		fmt.Printf("merge chain: %v\n", chain)
	}
	if r.MergedBytes > 0 {
		fmt.Printf("merged %d bytes\n", r.MergedBytes)
	}
	for _, p := range r.RewrittenMetadata {
		fmt.Printf("rewrote metadata: %s\n", p)
	}
}
