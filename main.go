package main

import (
	"os"

	"github.com/segfetch/segfetch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
