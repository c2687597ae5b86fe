package main

import (
	"os"

	"github.com/wagate/wagate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
