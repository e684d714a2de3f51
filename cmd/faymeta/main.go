// Command faymeta inspects the metadata and tables of a FayLSM directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	config   string
	dataDir  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "faymeta",
		Short:         "inspect FayLSM manifests and tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.config, "config", "", "YAML options file")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "secondary directory searched for tables")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newDumpCmd(),
		newCheckCmd(flags),
		newKeysCmd(flags),
		newCompactManifestCmd(),
	)
	return root
}
