package main

import (
	"os"

	"github.com/filecast/filecast/cmd/filecast-peer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
