package main

import (
	"os"

	"github.com/ssd-technologies/postmare/cmd/postmare/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
