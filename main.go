// The main package for the stopsearch-ingest executable.
package main

import (
	"github.com/JakeFAU/stopsearch-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
