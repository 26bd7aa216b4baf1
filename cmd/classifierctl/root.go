package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(open opener) *cobra.Command {
	var jsonOut, verbose bool
	ctx := &commandContext{open: open, jsonOut: &jsonOut, verbose: &verbose}

	rootCmd := &cobra.Command{
		Use:           "classifierctl",
		Short:         "Operate the document classifier: submit files, send feedback, inspect results",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newFeedbackCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newCategoriesCommand(ctx))
	rootCmd.AddCommand(newDeadLettersCommand(ctx))

	return rootCmd
}
