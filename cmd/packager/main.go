package main

import (
	"os"

	"github.com/3QSDN/shaka-packager/cmd/packager/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
