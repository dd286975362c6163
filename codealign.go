package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/codealign/cmd"
)

const (
	version = "1.0.0"
)

func main() {
	app := &cli.App{
		Name:    "codealign",
		Usage:   "Streaming LLM code analysis proxy with envelope-encrypted credentials",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "codealign.toml",
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.ConfigCommand(),
			cmd.KeygenCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
