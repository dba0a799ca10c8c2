package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "efiretype",
		Short: "Retype protocol interface variables in decompiled UEFI modules",
		Long: `efiretype — protocol interface retyper for UEFI modules

Takes the protocol records found by discovery, walks the decompiled
functions that own them and types the output variable of each
HandleProtocol / LocateProtocol / OpenProtocol call (and the SMM
counterparts) with the interface structure for the requested GUID.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.New(os.Stderr))
			if verbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newApplyCmd(), newTablesCmd(), newGUIDCmd())
	return root
}
