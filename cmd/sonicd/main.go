package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sonic "github.com/valeriansaliou/sonic"
	"github.com/valeriansaliou/sonic/config"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitStore  = 2
	exitSignal = 130
)

func main() {
	configPath := flag.String("c", "./config.cfg", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(exitConfig)
	}

	runtime, err := sonic.Bootstrap(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "store error:", err)
		os.Exit(exitStore)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	runtime.Log.Info("caught signal, stopping", "signal", sig.String())
	runtime.Shutdown()
	os.Exit(exitSignal)
}
