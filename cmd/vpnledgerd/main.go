package main

import (
	"os"

	"github.com/bnema/vpnledger/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
