// Command dygram executes graph-driven, agent-augmented workflows.
package main

import (
	"os"

	"github.com/dygram/dygram-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
