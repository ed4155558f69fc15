// mppt-controller runs the Incremental Conductance MPPT loop against a
// converter, serving status, control and metrics over HTTP.
//
// Usage:
//
//	mppt-controller -config ~/mppt.cfg [options]
//
// Options:
//
//	-config string   Controller configuration file (required)
//	-api string      API listen address (overrides [api] listen)
//	-logfile string  Log file path (default: stderr)
//	-debug           Enable debug logging
//
// Examples:
//
//	# Replay a recorded trace with the API on the default port
//	mppt-controller -config examples/trace.cfg
//
//	# Drive a converter over serial, logging to a rotating file
//	mppt-controller -config ~/mppt.cfg -logfile /var/log/mppt/mppt.log
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mppt-controller/pkg/api"
	"mppt-controller/pkg/config"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/metrics"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/runner"
	"mppt-controller/pkg/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Controller configuration file (required)")
	apiAddr := flag.String("api", "", "API listen address (overrides [api] listen)")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	cc, err := config.ParseControllerConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}
	if *apiAddr != "" {
		cc.API.Listen = *apiAddr
	}

	logger := log.Default()
	if *logFile != "" {
		fl, w, err := log.NewFileLogger("mppt", log.RotationConfig{Filename: *logFile}, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger = fl
		log.SetDefaultLogger(logger)
	}
	logger.SetLevel(log.ParseLevel(cc.Log.Level))
	logger.SetFormat(log.ParseFormat(cc.Log.Format))
	log.ConfigureFromEnv(logger)
	if *debug {
		logger.SetLevel(log.DEBUG)
	}

	if err := run(cc); err != nil {
		logger.WithError(err).Error("controller failed")
		os.Exit(1)
	}
}

func run(cc *config.ControllerConfig) error {
	lg := log.GetLogger("main")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.WithFields(log.Fields{
		"source": cc.SourceType,
		"sink":   cc.SinkType,
		"arith":  cc.Controller.Arithmetic,
		"trig":   cc.Controller.Trigger,
		"period": cc.TickPeriod,
	}).Info("MPPT controller starting")

	dev, err := openIO(ctx, cc)
	if err != nil {
		return err
	}
	defer dev.Close()

	ctrl := mppt.NewController(cc.Controller)
	r := runner.New(ctrl, dev.source, dev.sink, runner.OptionsFromConfig(cc))
	dev.bind(ctx, r)

	reg := metrics.NewRegistry()
	cm := metrics.NewControllerMetrics(reg)
	cm.WatchController(ctrl, r.RunID())
	r.AddObserver(cm)

	if cc.Kafka.Enabled {
		pub := telemetry.New(telemetry.NewWriter(cc.Kafka), cc.Kafka.DecisionsOnly)
		pub.Start()
		r.AddObserver(pub)
		dev.extras["telemetry"] = func() any { return pub.Stats() }
		defer func() {
			if err := pub.Close(); err != nil {
				lg.WithError(err).Warn("telemetry close")
			}
		}()
		lg.Info("telemetry to kafka topic %s", cc.Kafka.Topic)
	}

	srv := api.New(api.Config{
		Addr:            cc.API.Listen,
		Controller:      r,
		Gatherer:        reg,
		MetricsUser:     cc.Metrics.Username,
		MetricsPassword: cc.Metrics.Password,
		Extras:          dev.extras,
	})
	r.AddObserver(srv.Observer())
	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.Start() }()

	var ms *metrics.MetricsServer
	if cc.Metrics.Listen != "" {
		mcfg := metrics.DefaultMetricsServerConfig()
		mcfg.Address = cc.Metrics.Listen
		mcfg.Username = cc.Metrics.Username
		mcfg.Password = cc.Metrics.Password
		ms = metrics.NewMetricsServerWithConfig(reg, mcfg)
		ms.StartAsync()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-apiErr:
		if err == nil {
			err = <-runErr
		} else {
			lg.WithError(err).Error("API server stopped")
			stop()
			<-runErr
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		lg.WithError(err).Warn("API shutdown")
	}
	if ms != nil {
		_ = ms.Shutdown(shutdownCtx)
	}

	snap := r.Snapshot()
	lg.WithFields(log.Fields{
		"ticks":     snap.Ticks,
		"decisions": snap.Decisions,
		"duty":      snap.Registers.Duty,
		"mpp_found": snap.Registers.MPPFound,
	}).Info("MPPT controller stopped")
	return err
}
