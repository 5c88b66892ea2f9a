// The main package for the reviewminer executable.
package main

import (
	"github.com/JakeFAU/review-miner/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
