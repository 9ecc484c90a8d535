package cmd

import (
	"context"
	"log/slog"
	_ "net/http/pprof" // nolint:gosec // profiling endpoint listens on localhost.
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/metal-toolbox/lbcfg/internal/bootstrap"
	"github.com/metal-toolbox/lbcfg/internal/client"
	"github.com/metal-toolbox/lbcfg/internal/configuration"
	"github.com/metal-toolbox/lbcfg/internal/log"
	"github.com/metal-toolbox/lbcfg/internal/metrics"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/metal-toolbox/lbcfg/internal/profiling"
	"github.com/metal-toolbox/lbcfg/internal/secrets"
	"github.com/metal-toolbox/lbcfg/internal/version"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var errRunFailed = errors.New("bootstrap run finished with failed appliances")

func runBootstrap(ctx context.Context, args *model.Args) error {
	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	slog.Info("Configuration loaded", config.AsLogFields()...)

	log.SetLevel(config.LogLevel)

	// serve metrics endpoint
	metrics.ListenAndServe()
	version.ExportBuildInfoMetric()

	if config.EnableProfiling {
		profiling.Enable()
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel the context when we receive a termination signal.
	go func() {
		s := <-termChan
		slog.Info("Received signal for termination, exiting...", "signal", s.String())
		cancel()
	}()

	api := newAPIClient(config)
	store := secrets.NewStore(config.Secrets)

	slog.With(version.Current()...).Info("lbcfg bootstrap starting")

	orchestrator := bootstrap.New(api, config, store)

	report, err := orchestrator.Run(ctx)
	if err != nil {
		slog.Error("Bootstrap run aborted", "error", err)
		return err
	}

	if err := printReport(report); err != nil {
		slog.Error("Failed to render run report", "error", err)
		return err
	}

	if !report.Ok() {
		slog.Error("Bootstrap run finished with failures", "failed", report.Failed)
		return errRunFailed
	}

	slog.Info("Bootstrap run finished", "appliances", len(report.Appliances))

	return nil
}

func newAPIClient(config *configuration.Configuration) client.API {
	if config.DryRun {
		slog.Info("Dry run, using simulated fleet")
		return client.NewDryRun()
	}

	return client.New(config.Client, log.NewLogrusLogger(config.LogLevel))
}

func printReport(report *bootstrap.Report) error {
	out, err := yaml.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run report")
	}

	_, err = os.Stdout.Write(out)

	return err
}
