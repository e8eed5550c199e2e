// Command qrewrite administers SQL rewrite rules and runs statements
// through a rewriting session.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/qrewrite/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
