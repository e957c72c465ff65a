// Command codebased is the local interactive code-search CLI.
package main

import (
	"os"

	"github.com/codebased-sh/codebased/cmd/codebased/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
