package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"simconn/internal/connector"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Platform collaborators (configuration provider, log shipper, license
	// hooks) are wired by the embedding integration; the bare binary runs
	// with local config only.
	app, err := connector.NewApp(cfgPath, connector.Options{})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = app.Stop(context.Background())
}
