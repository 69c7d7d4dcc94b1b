// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a worker process that connects back to a Supervisor over the duplex
bus and runs jobs one at a time via the ActionDispatcher.

For usage details, run worker with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rayhost/rayhost/callback"
	"github.com/rayhost/rayhost/clog"
	"github.com/rayhost/rayhost/config"
	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/store"
	"github.com/rayhost/rayhost/worker"
)

func main() {
	var publishPort int
	var peerPort int
	var dataDir string
	var suspendPeriodS int
	var configPath string
	var help bool
	var logOutput bool

	flag.Usage = usage
	flag.IntVar(&publishPort, "p", 0, "this process's publisher port")
	flag.IntVar(&peerPort, "s", 0, "the Supervisor's publisher port to subscribe to")
	flag.StringVar(&dataDir, "d", "datastore", "root directory shared with the Supervisor")
	flag.IntVar(&suspendPeriodS, "suspend-period", 0, "idle seconds before requesting suspend (0 disables)")
	flag.StringVar(&configPath, "config", "", "path to a config file, watched for changes and handed to the config callback on every CONFIGURE action")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&logOutput, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help || publishPort == 0 || peerPort == 0 {
		usage()
		os.Exit(0)
	}

	if logOutput {
		clog.Enable()
	}

	bus, err := ipc.NewBus(publishPort, peerPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	bus.Start(gctx, g)

	_ = bus.Publish(ipc.AppState("STARTING"))

	persistence := store.NewPersistenceService(dataDir)
	resources := store.NewResourceService(dataDir)

	opts := []worker.Option{worker.WithHaraKiri(func() {
		_ = bus.Publish(ipc.AppState("CRASHED"))
		os.Exit(1)
	})}
	if suspendPeriodS > 0 {
		opts = append(opts, worker.WithSuspend(suspendPeriodS))
	}
	if configPath != "" {
		cfgStore, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker: %v\n", err)
			os.Exit(1)
		}
		cfgLog := clog.New("worker")
		opts = append(opts, worker.WithConfig(cfgStore, func(c *config.Store) {
			cfgLog.Printf("config reloaded")
		}))
		_ = cfgStore.Watch(gctx.Done())
	}
	d := worker.NewDispatcher(bus, persistence, resources, callback.NewV2(identityCallback{}), opts...)

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating worker on signal %v...\n", <-sigCh)
	}()

	completed := make(chan struct{})
	go func() {
		defer close(completed)
		defer func() {
			if r := recover(); r != nil {
				_ = bus.Publish(ipc.AppState("CRASHED"))
				fmt.Fprintf(os.Stderr, "worker: %v\n", r)
			}
		}()
		_ = bus.Publish(ipc.AppState("RUNNING"))
		_ = d.Run(gctx)
	}()

	for {
		select {
		case <-signaled:
			signaled = nil
			cancel()
		case <-completed:
			return
		}
	}
}

// identityCallback is the worker binary's built-in default job: it echoes
// its request back as the response. A real deployment embeds the worker
// package directly and supplies its own callback.Registration instead of
// running this binary as-is.
type identityCallback struct{}

func (identityCallback) Execute(m *callback.Model) error {
	m.Response = m.Request
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: worker -p port -s port [-d datastore] [-suspend-period seconds] [-config path] [-l] [-h]

Starts a worker process that connects to a Supervisor over the local
duplex bus and runs jobs one at a time.

Options:
`)
	flag.PrintDefaults()
}
