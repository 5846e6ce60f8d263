// The main package for the a11yscan executable.
package main

import (
	"github.com/JakeFAU/a11y-scanner/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
