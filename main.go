// The main package for the askrelay executable.
package main

import (
	"github.com/JakeFAU/askrelay/cmd"
)

func main() {
	cmd.Execute()
}
