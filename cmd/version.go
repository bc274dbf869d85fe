// File: cmd/version.go
package cmd

import "github.com/spf13/cobra"

// Build metadata. These values are intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/verdictlabs/verdict-cli/cmd.Version=1.0.0"
var (
	Version = "0.1.0-dev"
	Commit  = "none"
	Date    = "unknown"
)

// newVersionCmd creates the `version` command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("verdict %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}
