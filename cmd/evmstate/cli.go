package main

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	evmstate "github.com/polareth/evmstate"
	"github.com/polareth/evmstate/common/cliapp"
	"github.com/polareth/evmstate/config"
	"github.com/polareth/evmstate/flags"
)

func runWatchNode(ctx *cli.Context) (cliapp.Lifecycle, error) {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		log.Error("failed to load config", "error", err)
		return nil, err
	}
	return evmstate.NewEvmState(ctx.Context, &cfg)
}

func NewCli() *cli.App {
	myFlags := flags.Flags
	return &cli.App{
		Version:              "v0.1.0",
		Description:          "Traces EVM transactions and labels every accessed storage slot with its Solidity variable",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:        "watch",
				Description: "Watches the configured contracts and logs labeled state changes",
				Flags:       myFlags,
				Action:      cliapp.LifecycleCmd(runWatchNode),
			},
			{
				Name:        "version",
				Description: "print version",
				Action: func(ctx *cli.Context) error {
					cli.ShowVersion(ctx)
					return nil
				},
			},
		},
	}
}
