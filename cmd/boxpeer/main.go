package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "boxpeer",
		Usage: "peer-to-peer content distribution node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Value:   "127.0.0.1:7420",
				Usage:   "Address of the node's HTTP command server",
				EnvVars: []string{"BOXPEER_API_ADDR"},
			},
		},
		Commands: []*cli.Command{
			daemonCmd,
			listenCmd,
			addressCmd,
			peersCmd,
			dialCmd,
			hashCmd,
			provideCmd,
			stopCmd,
			getCmd,
			lockCmd,
			unlockCmd,
			lockedCmd,
			providedCmd,
			chunksCmd,
			cacheCmd,
			nodesCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
