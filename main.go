package main

import (
	"os"

	"github.com/wegman-software/osmextract/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
