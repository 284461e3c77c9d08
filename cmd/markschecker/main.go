// Command markschecker resolves article numbers against the storefront,
// either as an HTTP service or one-off from the command line.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "markschecker",
		Short:        "Bulk article number lookup",
		SilenceUsage: true,
	}

	root.AddCommand(serveCMD(), migrateCMD(), checkCMD(), watchCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
