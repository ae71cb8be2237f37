// The main package for the fetchproxy executable.
package main

import (
	"github.com/JakeFAU/fetchproxy/cmd"
)

func main() {
	cmd.Execute()
}
