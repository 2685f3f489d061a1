package main

import (
	"os"

	"github.com/vkngwrapper/vkpack/cmd/vkpack-probe/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
