package main

import (
	"fmt"
	"os"

	"github.com/fieldgate/acqengine/cmd/acqengine/command"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr *os.File) int {
	app := command.App(version)
	if err := app.Run(args); err != nil {
		fmt.Fprintf(stderr, "acqengine: %s\n", err)
		return 1
	}
	return 0
}
