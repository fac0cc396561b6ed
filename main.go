// The main package for the prospector executable.
package main

import (
	"github.com/localscope/prospector/cmd"
)

func main() {
	cmd.Execute()
}
