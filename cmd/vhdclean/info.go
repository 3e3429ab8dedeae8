package main

import (
	"github.com/spf13/cobra"

	"github.com/vorteil/vhdchain/pkg/cleaner"
	"github.com/vorteil/vhdchain/pkg/vhd"
)

var infoCmd = &cobra.Command{
	Use:   "info VMDIR",
	Short: "Report what a clean would do, without changing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		handler := vhd.NewLocalHandler()
		report, err := cleaner.Clean(handler, args[0], cleaner.Options{Logger: log})
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}
