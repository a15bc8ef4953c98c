// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// mondod is the mondo daemon: it opens the embedded engine, optionally
// connects the analytical proxy, and serves the MongoDB wire protocol.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/mondo/core/backend"
	"github.com/juju/mondo/internal/proxybackend"
	"github.com/juju/mondo/internal/router"
	"github.com/juju/mondo/internal/sqlbackend"
	"github.com/juju/mondo/internal/wire"
)

var logger = loggo.GetLogger("mondo.cmd.mondod")

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mondod: %v\n", err)
		os.Exit(1)
	}
}

// Run parses flags, assembles the engine stack and serves until a
// termination signal arrives.
func Run(args []string) error {
	var (
		dataDir       string
		listen        string
		olapEndpoint  string
		olapToken     string
		loggingConfig string
		noAutoRoute   bool
	)
	flags := gnuflag.NewFlagSet("mondod", gnuflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	flags.StringVar(&dataDir, "data-dir", "/var/lib/mondo", "directory holding one file per database")
	flags.StringVar(&listen, "listen", ":27017", "address to serve the wire protocol on")
	flags.StringVar(&olapEndpoint, "olap-endpoint", "", "URL of the analytical proxy; empty disables it")
	flags.StringVar(&olapToken, "olap-token", "", "bearer token for the analytical proxy")
	flags.StringVar(&loggingConfig, "logging-config", "<root>=INFO", "loggo configuration string")
	flags.BoolVar(&noAutoRoute, "no-auto-route", false, "send every operation to the embedded engine")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(loggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	oltp, err := sqlbackend.New(sqlbackend.Config{DataDir: dataDir})
	if err != nil {
		return errors.Annotate(err, "opening embedded engine")
	}
	defer func() {
		if err := oltp.Close(); err != nil {
			logger.Errorf("closing embedded engine: %v", err)
		}
	}()

	var olap backend.Backend
	if olapEndpoint != "" {
		olap, err = proxybackend.New(proxybackend.Config{
			Endpoint: olapEndpoint,
			Token:    olapToken,
		})
		if err != nil {
			return errors.Annotate(err, "configuring analytical proxy")
		}
		logger.Infof("analytical engine proxied at %s", olapEndpoint)
	}

	dispatcher, err := router.New(router.Config{AutoRoute: !noAutoRoute}, oltp, olap)
	if err != nil {
		return errors.Trace(err)
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", listen)
	}
	server, err := wire.NewServer(wire.Config{
		Listener: listener,
		Backend:  dispatcher,
	})
	if err != nil {
		return errors.Trace(err)
	}

	done := make(chan error, 1)
	go func() { done <- server.Wait() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Infof("received %s, shutting down", sig)
		server.Kill()
		return errors.Trace(server.Wait())
	case err := <-done:
		return errors.Trace(err)
	}
}
