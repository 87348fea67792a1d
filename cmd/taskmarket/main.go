package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"taskmarket/cmd/taskmarket/cmd"
	"taskmarket/internal/shutdown"
	"taskmarket/internal/utils"
)

func main() {
	mgr := shutdown.NewManager(utils.GetLogger())
	mgr.Listen(os.Interrupt, syscall.SIGTERM)

	code := cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, &cmd.Config{Shutdown: mgr})

	mgr.Stop()
	mgr.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := mgr.Wait(ctx); err != nil {
		utils.Warnf("Shutdown timed out: %v", err)
	}
	cancel()
	os.Exit(mgr.ExitCode(code))
}
