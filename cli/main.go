package main

import (
	"os"

	"github.com/autonlabs/inbox-broker/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
