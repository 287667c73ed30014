package main

import (
	"os"

	"sidequest/cmd/sidequest/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
