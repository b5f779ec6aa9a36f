package main

import (
	"os"

	"github.com/MEKXH/weatherhitl/cmd/weatherhitl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
