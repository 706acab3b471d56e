package main

import (
	"os"

	"github.com/getlockinnn/proven-sync/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
