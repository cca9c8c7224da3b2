// The main package for the pagefleet executable.
package main

import (
	"github.com/JakeFAU/pagefleet/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
