package main

import (
	"os"

	"github.com/fengyichui/delta/cmd/delta-release/internal"
)

func main() {
	os.Exit(internal.Execute())
}
