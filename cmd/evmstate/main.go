package main

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
)

func main() {
	app := NewCli()
	if err := app.Run(os.Args); err != nil {
		log.Error("application failed", "err", err)
		os.Exit(1)
	}
}
