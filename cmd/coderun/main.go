package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "coderun",
	Short: "coderun - run untrusted code in disposable sandboxes",
	Long: `coderun accepts source code over a WebSocket, runs it in a fresh
container with a read-only copy of the code, and streams the program's
output back while forwarding the caller's input to it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./coderun.yaml or ~/.coderun/coderun.yaml)")
}

// exitCodeError carries a remote program's exit code out of a command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
