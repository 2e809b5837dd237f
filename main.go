package main

import (
	"log"
	"os"

	"github.com/abiiranathan/ocrharvest/cli"
)

// Default configuration for the CLI
var config = &cli.DefaultConfig

func main() {
	log.SetPrefix("[ocrharvest]: ")
	log.SetFlags(0)

	// The config file provides defaults, so it is loaded before flags are parsed.
	if path := cli.ConfigFileArg(os.Args); path != "" {
		if err := cli.LoadFile(path, config); err != nil {
			log.Println(err)
			os.Exit(1)
		}
	}

	exitCode := 0
	ctx := cli.DefineFlags(config, func(err error) {
		exitCode = cli.ExitCode(err)
	})

	subcmd, err := ctx.Parse(os.Args)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	// If the subcommand is nil, print the usage and exit
	if subcmd == nil {
		ctx.PrintUsage(os.Stdout)
		os.Exit(1)
	}

	subcmd.Handler()
	os.Exit(exitCode)
}
