package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/coder/quartz"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"

	"github.com/gridqueue/gridqueue/pkg/cfg"
	"github.com/gridqueue/gridqueue/pkg/gridqueue"
	util_log "github.com/gridqueue/gridqueue/pkg/util/log"
)

func main() {
	var config gridqueue.Config
	if err := cfg.Parse(&config, flag.CommandLine, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if config.PrintVersion {
		fmt.Println(version.Print("gridqueue"))
		os.Exit(0)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("gridqueue"),
	)
	logger := util_log.InitLogger(config.Server.LogFormat, config.Server.LogLevel, reg)

	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err.Error())
		os.Exit(1)
	}
	if config.PrintConfig {
		out, err := cfg.Dump(&config)
		if err != nil {
			level.Error(logger).Log("msg", "failed to print config to stderr", "err", err.Error())
		} else {
			fmt.Fprint(os.Stderr, out)
		}
	}

	t, err := gridqueue.New(config, logger, reg, quartz.NewReal())
	if err != nil {
		level.Error(logger).Log("msg", "error initialising gridqueue", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "starting gridqueue", "target", config.Target, "version", version.Info())

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return t.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			level.Info(logger).Log("msg", "shutting down", "signal", sig.Signal)
			return
		}
		level.Error(logger).Log("msg", "error running gridqueue", "err", err)
		os.Exit(1)
	}
}
