package main

import (
	"os"

	"github.com/celerix-dev/celerix-snapshot/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
