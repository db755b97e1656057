package main

import (
	"os"

	"github.com/koltyakov/backhaul/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
