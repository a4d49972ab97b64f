package main

import (
	"os"

	"github.com/igorsilveira/kefu/cmd/kefu"
)

func main() {
	if err := kefu.Execute(); err != nil {
		os.Exit(1)
	}
}
