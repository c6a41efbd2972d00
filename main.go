package main

import (
	"os"

	"github.com/darkhz/bluedfu/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		os.Exit(1)
	}
}
