// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// nodeplaned is the waitlist daemon. It serves the ticket API over
// HTTP and runs the director that sweeps the queues. Several daemons
// may share one mongo deployment; they coordinate through the store
// alone.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodeplane/nodeplane/apiserver"
	"github.com/nodeplane/nodeplane/core/waiter"
	"github.com/nodeplane/nodeplane/state"
	"github.com/nodeplane/nodeplane/store"
	"github.com/nodeplane/nodeplane/store/memstore"
	"github.com/nodeplane/nodeplane/store/mongostore"
	"github.com/nodeplane/nodeplane/worker/director"
)

var logger = loggo.GetLogger("nodeplane.cmd.nodeplaned")

// version is reported by --show-version and logged at startup.
const version = "1.0.0"

const (
	restartDelay      = 3 * time.Second
	dialAttempts      = 10
	dialRetryDelay    = time.Second
	dialRetryMaxDelay = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nodeplaned: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		listenAddr  string
		storeKind   string
		logConfig   string
		showVersion bool
	)
	f := gnuflag.NewFlagSet("nodeplaned", gnuflag.ContinueOnError)
	f.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	f.StringVar(&listenAddr, "listen", "", "address to serve the waitlist API on")
	f.StringVar(&storeKind, "store", "", "backing store, mongodb or memory")
	f.StringVar(&logConfig, "log-config", "", "loggo configuration string")
	f.BoolVar(&showVersion, "show-version", false, "print the daemon version and exit")
	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return nil
		}
		return errors.Trace(err)
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := readConfig(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	// Flags win over the file.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}
	if logConfig != "" {
		cfg.LogConfig = logConfig
	}
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}

	if err := setupLogging(cfg); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("nodeplaned %s starting", version)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeStore()

	metricsRegistry, err := newPrometheusRegistry()
	if err != nil {
		return errors.Trace(err)
	}
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("nodeplane.hub"),
	})
	waitlist := state.NewWaitlist(st, clock.WallClock)

	runner := worker.NewRunner(worker.RunnerParams{
		// A dead worker is restarted rather than taking the daemon
		// down; operators stop the process with a signal.
		IsFatal:      func(error) bool { return false },
		RestartDelay: restartDelay,
		Clock:        clock.WallClock,
		Logger:       logger,
	})
	_ = runner.StartWorker("waiter", func() (worker.Worker, error) {
		return waiter.NewRegistry(waiter.RegistryConfig{
			Tickets: waitlist,
			Hub:     hub,
		})
	})
	_ = runner.StartWorker("director", func() (worker.Worker, error) {
		registry, err := waiterRegistry(runner)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return director.NewWorker(director.Config{
			Waitlist:             waitlist,
			Registry:             registry,
			Hub:                  hub,
			Clock:                clock.WallClock,
			SweepInterval:        cfg.SweepInterval,
			PrometheusRegisterer: metricsRegistry,
		})
	})
	_ = runner.StartWorker("apiserver", func() (worker.Worker, error) {
		registry, err := waiterRegistry(runner)
		if err != nil {
			return nil, errors.Trace(err)
		}
		// Listen inside the start func so a restarted server binds a
		// fresh socket; the old one dies with the old worker.
		listener, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, errors.Annotatef(err, "listening on %q", cfg.ListenAddr)
		}
		logger.Infof("serving the waitlist API on %s", listener.Addr())
		return apiserver.NewServer(apiserver.Config{
			Listener:             listener,
			Waitlist:             waitlist,
			Registry:             registry,
			Hub:                  hub,
			Clock:                clock.WallClock,
			PrometheusRegisterer: metricsRegistry,
			PrometheusGatherer:   metricsRegistry,
		})
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("caught %v, shutting down", sig)
		runner.Kill()
	}()
	return errors.Trace(runner.Wait())
}

// waiterRegistry hands back the running registry worker. The director
// and the apiserver share it so a waiting client sees every update.
func waiterRegistry(runner *worker.Runner) (*waiter.Registry, error) {
	w, err := runner.Worker("waiter", nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	registry, ok := w.(*waiter.Registry)
	if !ok {
		return nil, errors.Errorf("waiter worker has unexpected type %T", w)
	}
	return registry, nil
}

// setupLogging applies the configured loggo levels and, when a log
// file is set, tees output through a size-capped rotating file.
func setupLogging(cfg *config) error {
	if cfg.LogFile != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    300, // megabytes
			MaxBackups: 2,
			Compress:   true,
		}
		err := loggo.RegisterWriter("file", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			return errors.Annotate(err, "registering log file writer")
		}
	}
	if cfg.LogConfig != "" {
		loggo.DefaultContext().ResetLoggerLevels()
		if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}
	return nil
}

// openStore opens the configured backing store and returns it along
// with its close function.
func openStore(cfg *config) (store.Store, func(), error) {
	switch cfg.Store {
	case storeMemory:
		logger.Warningf("using the in-memory store; tickets will not survive a restart")
		return memstore.New(), func() {}, nil
	case storeMongoDB:
		st, err := dialMongo(cfg)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return st, st.Close, nil
	}
	return nil, nil, errors.NotValidf("store %q", cfg.Store)
}

// dialMongo connects to mongo, retrying while the deployment is
// unreachable, and ensures the ticket indexes before handing the
// store over.
func dialMongo(cfg *config) (*mongostore.Store, error) {
	var st *mongostore.Store
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			st, err = mongostore.Dial(mongostore.DialConfig{
				Addrs:    cfg.MongoAddrs,
				Database: cfg.MongoDatabase,
				Timeout:  cfg.MongoTimeout,
			})
			return errors.Trace(err)
		},
		IsFatalError: func(err error) bool {
			return !store.IsStoreUnavailable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("cannot reach mongo at %v (attempt %d): %v", cfg.MongoAddrs, attempt, err)
		},
		Attempts:    dialAttempts,
		Delay:       dialRetryDelay,
		MaxDelay:    dialRetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to mongo")
	}
	for _, keys := range state.TicketIndexes() {
		if err := st.EnsureIndex(state.TicketsBucket, keys...); err != nil {
			st.Close()
			return nil, errors.Annotate(err, "ensuring ticket indexes")
		}
	}
	return st, nil
}

// newPrometheusRegistry builds the daemon's metrics registry with the
// standard runtime and process collectors already registered.
func newPrometheusRegistry() (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(prometheus.NewGoCollector()); err != nil {
		return nil, errors.Trace(err)
	}
	if err := registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, errors.Trace(err)
	}
	return registry, nil
}
