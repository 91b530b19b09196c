package app

import (
	"fmt"

	"github.com/spf13/cobra"
	cliflag "k8s.io/component-base/cli/flag"
)

// setUsageAndHelp prints flags grouped by section.
func setUsageAndHelp(cmd *cobra.Command, fss cliflag.NamedFlagSets) {
	const cols = 100
	usageFmt := "Usage:\n  %s\n"

	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		fmt.Fprintf(cmd.OutOrStderr(), usageFmt, cmd.UseLine())
		cliflag.PrintSections(cmd.OutOrStderr(), fss, cols)
		return nil
	})
	cmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd.Long != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", cmd.Long)
		}
		fmt.Fprintf(cmd.OutOrStdout(), usageFmt, cmd.UseLine())
		if cmd.HasAvailableSubCommands() {
			fmt.Fprintln(cmd.OutOrStdout(), "\nAvailable Commands:")
			for _, c := range cmd.Commands() {
				if c.IsAvailableCommand() {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s\n", c.Name(), c.Short)
				}
			}
		}
		cliflag.PrintSections(cmd.OutOrStdout(), fss, cols)
	})
}
