// Command cam runs the Coding Agents Manager orchestration engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/camhq/cam/internal/apierr"
	"github.com/pkg/errors"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if isUserError(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cam",
		Short:         "Coding Agents Manager orchestration engine",
		Long:          "cam dispatches coding-agent jobs across a worker pool and composes them into pipelines with dependencies, retries, review and cascading cancel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cam version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cam", Version)
		},
	}
}

// isUserError distinguishes bad input (exit 1) from internal failures
// (exit 2).
func isUserError(err error) bool {
	var e *apierr.E
	if errors.As(err, &e) {
		return e.Code == apierr.CodeInvalidInput || e.Code == apierr.CodeNotFound
	}
	return errors.Is(err, errBadConfig)
}
