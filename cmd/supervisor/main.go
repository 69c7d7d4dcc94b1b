// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a Supervisor process that owns the job queue, the persistent store,
and the client notification fan-out, spawning a worker subprocess to run
jobs submitted via Prepare.

For usage details, run supervisor with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rayhost/rayhost/clog"
	"github.com/rayhost/rayhost/metrics"
	"github.com/rayhost/rayhost/store"
	"github.com/rayhost/rayhost/supervisor"
)

func main() {
	var dataDir string
	var busPort int
	var workerPort int
	var workerBin string
	var configPath string
	var help bool
	var logOutput bool

	flag.Usage = usage
	flag.StringVar(&dataDir, "d", "datastore", "root directory for persisted executions and resources")
	flag.IntVar(&busPort, "p", 0, "this process's publisher port (0 picks any free port)")
	flag.IntVar(&workerPort, "w", 0, "the worker process's publisher port (required; the subscriber dials it directly)")
	flag.StringVar(&workerBin, "worker-bin", "", "path to the worker binary to spawn (required)")
	flag.StringVar(&configPath, "config", "", "path to a config file watched for changes and pushed to the worker via CONFIGURE")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&logOutput, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help || workerBin == "" || workerPort == 0 {
		usage()
		os.Exit(0)
	}

	if logOutput {
		clog.Enable()
	}

	persistence := store.NewPersistenceService(dataDir)
	resources := store.NewResourceService(dataDir)
	collectors := metrics.New()

	s, err := supervisor.New(supervisor.Config{
		Persistence: persistence,
		Resources:   resources,
		BusPort:     busPort,
		WorkerPort:  workerPort,
		Metrics:     collectors,
		ConfigPath:  configPath,
		WorkerCommand: func(ctx context.Context, publishPort, peerPort int) *exec.Cmd {
			cmd := exec.CommandContext(ctx, workerBin,
				"-p", strconv.Itoa(publishPort),
				"-s", strconv.Itoa(peerPort),
				"-d", dataDir,
			)
			if logOutput {
				cmd.Args = append(cmd.Args, "-l")
			}
			if configPath != "" {
				cmd.Args = append(cmd.Args, "-config", configPath)
			}
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating supervisor on signal %v...\n", <-sigCh)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	completed := make(chan struct{})
	g := s.Start(ctx)
	go func() {
		_ = g.Wait()
		close(completed)
	}()

	fmt.Println("Supervisor running. Submit jobs through the host HTTP/WS layer.")

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

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: supervisor [-d datastore] [-p port] -w port -worker-bin path [-config path] [-l] [-h]

Starts a Supervisor process that spawns and supervises a worker subprocess
over a local duplex bus, persisting job state under datastore.

Options:
`)
	flag.PrintDefaults()
}
