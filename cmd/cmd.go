// Package cmd holds the auxiliary subcommands of the mailsheet-sync CLI.
package cmd

import "github.com/spf13/cobra"

// Register attaches the check and ledger subcommands to root.
func Register(root *cobra.Command) {
	root.AddCommand(newCheckCommand())
	root.AddCommand(newLedgerCommand())
}
