// Package cli wires the dygram command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dygram/dygram-go/engine"
)

// Exit codes: 0 success, 1 user or engine error, 2 resume conflict
// (machine hash changed and --force absent).
const (
	exitOK             = 0
	exitError          = 1
	exitResumeConflict = 2
)

var workDir string

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *engine.Error
		if errors.As(err, &ee) && ee.Code == engine.CodeResume {
			return exitResumeConflict
		}
		if errors.Is(err, engine.ErrHashMismatch) {
			return exitResumeConflict
		}
		return exitError
	}
	return exitOK
}

// NewRootCmd builds the cobra tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dygram",
		Short:         "Graph-driven, agent-augmented workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&workDir, "dir", "C", "", "Working directory for session artifacts")

	root.AddCommand(
		newExecuteCmd(),
		newExecCmd(),
		newGenerateCmd(),
		newCheckImportsCmd(),
		newBundleCmd(),
	)
	return root
}

func baseDir() string {
	if workDir != "" {
		return workDir
	}
	if dir := os.Getenv("DYGRAM_HOME"); dir != "" {
		return dir
	}
	return "."
}
