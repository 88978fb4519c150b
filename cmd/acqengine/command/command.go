// Package command builds the acqengine CLI, following the teacher's
// cmd/gpud/command.App() shape: a cli.App with one top-level command per
// subcommand struct, package-level flag variables bound via cli.Flag.
package command

import (
	"github.com/urfave/cli"
)

const usage = `
# start the engine against a fleet config, serving the control API on :8080
acqengine run --config fleet.yaml

# validate a fleet config without starting any workers
acqengine validate --config fleet.yaml
`

var (
	logLevel string
	logFile  string

	configPath    string
	listenAddress string

	tsdbWriteURL string
	tsdbToken    string

	maxConcurrentDevices int
)

// App builds the acqengine cli.App.
func App(version string) *cli.App {
	app := cli.NewApp()

	app.Name = "acqengine"
	app.Version = version
	app.Usage = usage
	app.Description = "poll Modbus/TCP counters and TCP-attached scales, publish readings to a time-series backend"

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the acquisition engine and its control API",
			Action: cmdRun,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config", Usage: "path to the fleet YAML config", Value: "fleet.yaml", Destination: &configPath},
				cli.StringFlag{Name: "listen-address", Usage: "address the control API listens on", Value: ":8080", Destination: &listenAddress},
				cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error", Value: "info", Destination: &logLevel},
				cli.StringFlag{Name: "log-file", Usage: "log file path, empty for stderr only", Destination: &logFile},
				cli.StringFlag{Name: "tsdb-write-url", Usage: "InfluxDB-compatible write endpoint; empty disables the TSDB writer", Destination: &tsdbWriteURL},
				cli.StringFlag{Name: "tsdb-token", Usage: "API token for tsdb-write-url, sent as 'Authorization: Token <token>'", Destination: &tsdbToken},
				cli.IntFlag{Name: "max-concurrent-devices", Usage: "global poll-cycle concurrency ceiling", Value: 8, Destination: &maxConcurrentDevices},
			},
		},
		{
			Name:   "validate",
			Usage:  "validate a fleet config and exit",
			Action: cmdValidate,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config", Usage: "path to the fleet YAML config", Value: "fleet.yaml", Destination: &configPath},
			},
		},
	}

	return app
}
