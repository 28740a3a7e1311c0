package cliapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Lifecycle is a long-running service started by a CLI command.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stopped() bool
}

// LifecycleAction instantiates a Lifecycle from the parsed CLI context.
type LifecycleAction func(ctx *cli.Context) (Lifecycle, error)

var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// LifecycleCmd turns a LifecycleAction into a cli action that runs the
// service until an interrupt signal arrives.
func LifecycleCmd(action LifecycleAction) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		appCtx, appCancel := signal.NotifyContext(ctx.Context, interruptSignals...)
		defer appCancel()
		ctx.Context = appCtx

		appLifecycle, err := action(ctx)
		if err != nil {
			return errors.Join(fmt.Errorf("failed to setup: %w", err))
		}

		if err := appLifecycle.Start(appCtx); err != nil {
			return errors.Join(fmt.Errorf("failed to start: %w", err))
		}

		<-appCtx.Done()

		stopCtx, stopCancel := context.WithCancel(context.Background())
		defer stopCancel()
		if err := appLifecycle.Stop(stopCtx); err != nil {
			return errors.Join(fmt.Errorf("failed to stop: %w", err))
		}
		return nil
	}
}
