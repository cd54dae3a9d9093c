package main

import (
	"os"

	"github.com/lazyhollow/doppel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
