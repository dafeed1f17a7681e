package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"Netemu/cmd"
	"Netemu/pkg"
)

func main() {
	e := pkg.NewEmulator()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	err := cmd.Execute(ctx, e)
	stop()
	// wait, before shutting down, clear up the resources
	e.Destroy()
	if err != nil {
		os.Exit(1)
	}
}
