package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/n6g7/nomtail/pkg/log"
	"github.com/n6g7/nomtail/pkg/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/uintptr/udyndns/internal/address"
	"github.com/uintptr/udyndns/internal/config"
	"github.com/uintptr/udyndns/internal/nameserver"
	"github.com/uintptr/udyndns/internal/reconcile"
	"github.com/uintptr/udyndns/internal/state"
)

func main() {
	logger := log.SetupLogger()

	conf, err := config.Load(os.Args[1:])
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			logger.Error("failed to load config", "err", err)
		}
		os.Exit(exitCode(err))
	}
	log.SetLevel(conf.Level())
	logger.Info("udyndns starting", "version", version.Display(), "go_runtime", runtime.Version())
	if conf.Verbose {
		logger.Info(
			"configuration",
			"auth_file", conf.Nameserver.CloudDNS.CredentialsFile,
			"project", conf.Nameserver.CloudDNS.Project,
			"zone", conf.Nameserver.CloudDNS.Zone,
			"dns_name", conf.RecordName,
			"data_dir", conf.DataDir,
			"poll_frequency", conf.PollFrequency,
			"nameserver", conf.Nameserver.Type,
			"resolver", conf.Resolver.Type,
		)
	}

	// Load resolver
	var resolver address.Resolver

	switch conf.Resolver.Type {
	case config.HTTPResolver:
		resolver = address.NewHTTPResolver(logger, conf.Resolver)
	case config.DNSResolver:
		resolver = address.NewDNSResolver(logger, conf.Resolver)
	default:
		logger.Error("unknown resolver type", "type", conf.Resolver.Type)
		os.Exit(1)
	}

	// Load nameserver
	var ns nameserver.Nameserver

	switch conf.Nameserver.Type {
	case config.CloudDNS:
		ns = nameserver.NewCloudDNSNS(logger, conf.Nameserver.CloudDNS)
	case config.Route53:
		ns = nameserver.NewRoute53NS(logger, conf.Nameserver.Route53)
	case config.Pihole:
		ns = nameserver.NewPiholeNS(logger, conf.Nameserver.Pihole)
	default:
		logger.Error("unknown nameserver type", "type", conf.Nameserver.Type)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Continuous() && conf.Prometheus.ListenAddr != "" {
		go metrics(logger, conf)
	}

	err = udyndns(ctx, logger, resolver, ns, conf)
	if err != nil {
		logger.Error("udyndns stopped with an error", "err", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error that ended the process to its exit status. Asking
// for help is not a failure.
func exitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	return 1
}

// udyndns runs the reconciler until it's done. The nameserver backend is
// initialized by the first cycle, so in continuous mode a backend that is
// unreachable at startup is retried like any other cycle failure.
func udyndns(ctx context.Context, logger *log.Logger, resolver address.Resolver, ns nameserver.Nameserver, conf *config.Config) error {
	store := state.NewStore(conf.DataDir)
	reconciler := reconcile.NewReconciler(logger, resolver, ns, store, conf)

	if conf.Continuous() {
		logger.Info("polling for address changes", "interval", conf.PollInterval())
	}
	return reconciler.Run(ctx)
}

func metrics(logger *log.Logger, conf *config.Config) {
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "{\"healthy\": true}")
	})
	http.Handle(conf.Prometheus.MetricsPath, promhttp.Handler())

	logger.Info("starting prometheus exporter", "addr", conf.Prometheus.ListenAddr, "metrics_path", conf.Prometheus.MetricsPath)
	if err := http.ListenAndServe(conf.Prometheus.ListenAddr, nil); err != nil {
		logger.Error("prometheus exporter stopped", "err", err)
	}
}
