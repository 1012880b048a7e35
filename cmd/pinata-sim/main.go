package main

import (
	"os"

	"pinatatests/cmd/pinata-sim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
