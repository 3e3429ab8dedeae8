package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/vorteil/vhdchain/pkg/vhd"
)

var mergeCmd = &cobra.Command{
	Use:   "merge PARENT CHILD",
	Short: "Coalesce a single differencing VHD into its parent",
	Long: `merge folds every allocated block of CHILD into PARENT, then renames
PARENT onto CHILD's path, atomically replacing it, so anything that already
names CHILD as its parent keeps resolving correctly.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parentPath, childPath := args[0], args[1]
		handler := vhd.NewLocalHandler()

		parent, err := vhd.Open(handler, parentPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", parentPath, err)
		}

		child, err := vhd.Open(handler, childPath)
		if err != nil {
			parent.Close()
			return fmt.Errorf("open %s: %w", childPath, err)
		}

		progress := mpb.New()
		bar := progress.AddBar(int64(child.Header().MaxTableEntries),
			mpb.PrependDecorators(decor.Name(fmt.Sprintf("merge %s", childPath))),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)

		n, err := vhd.Merge(handler, parentPath, parent, childPath, child, func(p vhd.Progress) {
			bar.SetCurrent(int64(p.Done))
		})
		progress.Wait()
		parent.Close()
		child.Close()
		if err != nil {
			return err
		}

		// Rename is the atomic commit point; it replaces childPath directly
		// rather than unlinking it first, so there is never a window where
		// neither file exists on disk.
		if err := handler.Rename(parentPath, childPath); err != nil {
			return fmt.Errorf("rename %s to %s: %w", parentPath, childPath, err)
		}

		log.Infof("merged %d bytes of %s into %s", n, childPath, parentPath)
		return nil
	},
}
