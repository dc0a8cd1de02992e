// Command cmdstream runs a shell command through the engine: virtual
// commands execute in-process, everything else spawns natively, and the
// process exits with the final pipeline code.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opal-lang/cmdstream"
)

var version = "dev"

func main() {
	var (
		command     string
		traceFilter string
		verbose     bool
	)

	rootCmd := &cobra.Command{
		Use:           "cmdstream -c \"command\"",
		Short:         "Run shell commands with in-process virtual commands",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" {
				return fmt.Errorf("no command given; use -c \"command\"")
			}

			settings := cmdstream.Settings()
			if traceFilter != "" {
				settings.SetTraceFilter(traceFilter)
			}
			if verbose {
				settings.SetVerbose(true)
			}

			// The CLI mirrors output to the parent and has no use for an
			// in-memory copy.
			sh := cmdstream.New(cmdstream.NoCapture(), cmdstream.StdinInherit())
			result, err := sh.Exec("%s", cmdstream.Raw(command)).Run(cmd.Context())
			if err != nil {
				var exitErr *cmdstream.ExitError
				if errors.As(err, &exitErr) {
					os.Exit(exitErr.ExitCode())
				}
				return err
			}
			if result.Code != 0 {
				os.Exit(result.Code)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&command, "command", "c", "", "command string to execute")
	rootCmd.Flags().StringVar(&traceFilter, "trace", "", "comma-separated trace categories (ProcessRunner,VirtualCommand,ShellParser,Signals)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "echo the command before running it")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "cmdstream: %v\n", err)
		os.Exit(1)
	}
}
