package main

import (
	"os"

	"github.com/stepflow-io/stepflow/cli"
)

func main() {
	cmd := cli.RootCmd(cli.Options{})
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
