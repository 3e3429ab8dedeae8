package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/vhdchain/pkg/elog"
)

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool

	log elog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vhdclean",
	Short: "Scan, prune, and coalesce chains of VHD differencing disks",
	Long: `vhdclean scans a directory of VHD backups, finds broken and orphaned
disks, and coalesces chains of unused differencing disks into the disk a
backup record still references.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		if flagJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		switch {
		case flagDebug:
			logger.SetLevel(logrus.DebugLevel)
		case flagVerbose:
			logger.SetLevel(logrus.InfoLevel)
		default:
			logger.SetLevel(logrus.WarnLevel)
		}
		log = elog.New(logger)
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "enable info-level output")
	f.BoolVarP(&flagDebug, "debug", "d", false, "enable debug-level output")
	f.BoolVarP(&flagJSON, "json", "j", false, "emit log lines as JSON")

	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(mergeCmd)
}
