package main

import (
	"os"

	"offcache/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
