package main

import (
	"os"

	"github.com/harun/conduit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
