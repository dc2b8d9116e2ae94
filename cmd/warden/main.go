package main

import (
	"os"

	"github.com/majorcontext/warden/cmd/warden/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
