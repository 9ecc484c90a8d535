// Package bootstrap drives the per-appliance onboarding sequence over a
// static inventory, one appliance at a time. A failed appliance never blocks
// the next one; reruns short-circuit on appliances the license query reports
// as already licensed.
package bootstrap

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/metal-toolbox/lbcfg/internal/client"
	"github.com/metal-toolbox/lbcfg/internal/configuration"
	"github.com/metal-toolbox/lbcfg/internal/metrics"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/metal-toolbox/lbcfg/internal/secrets"
	"github.com/metal-toolbox/lbcfg/internal/tasks"
	"go.opentelemetry.io/otel"
)

var pkgName = "internal/bootstrap"

const (
	stepValidate = "ValidateInventory"
	stepDetect   = "DetectLicense"
)

// Orchestrator processes the inventory strictly sequentially.
type Orchestrator struct {
	api    client.API
	config *configuration.Configuration
	store  *secrets.Store
}

// New creates the orchestrator for one run.
func New(api client.API, config *configuration.Configuration, store *secrets.Store) *Orchestrator {
	return &Orchestrator{
		api:    api,
		config: config,
		store:  store,
	}
}

// Run bootstraps every appliance in the inventory and returns the run
// report. An appliance failure is recorded in the report, not returned; Run
// only errors when the run itself cannot proceed, such as an unresolvable
// admin password.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	// The admin password is needed for every appliance, resolve it once
	// before touching the network. The KEMP activation identity stays
	// lazy, it is only needed if an unlicensed appliance turns up.
	adminPassword, err := o.store.AdminPassword()
	if err != nil {
		return nil, err
	}

	report := NewReport()

	for i := range o.config.Appliances {
		appliance := &o.config.Appliances[i]

		status := o.processAppliance(ctx, appliance, adminPassword)
		report.Add(status)
	}

	return report, nil
}

func (o *Orchestrator) processAppliance(ctx context.Context, appliance *model.Appliance, adminPassword string) *tasks.TaskStatus {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "bootstrap.processAppliance")
	defer span.End()

	logger := slog.With(appliance.AsLogFields()...)

	if err := appliance.Validate(); err != nil {
		logger.Error("Inventory validation failed", "error", err)
		metrics.AppliancesFailed.WithLabelValues(stepValidate).Inc()

		return failedStatus(appliance, stepValidate, err)
	}

	sess := tasks.NewSession(o.api, appliance.Connection(), model.Credential{
		Username: model.AdminUser,
		Password: adminPassword,
	})

	state, err := o.api.Query(ctx, sess.Connection(), sess.Credential())
	if err != nil {
		logger.Error("License state query failed", "error", err)
		metrics.AppliancesFailed.WithLabelValues(stepDetect).Inc()

		return failedStatus(appliance, stepDetect, err)
	}

	logger.Info("License state detected", "state", string(state))

	var task tasks.Task

	switch state {
	case model.LicenseStateLicensed:
		// Already bootstrapped once, skip the license machinery.
		metrics.AppliancesSkipped.Inc()
		task = tasks.NewConfigureTask(appliance, o.config.Parameters, o.config.Policy())
	case model.LicenseStateUnlicensed:
		task = tasks.NewBootstrapTask(appliance, o.store, o.config.Parameters, o.config.Policy())
	default:
		metrics.AppliancesFailed.WithLabelValues(stepDetect).Inc()
		return failedStatus(appliance, stepDetect, model.ErrTransport)
	}

	runner := tasks.NewTaskRunner(task)

	if err := runner.Run(ctx, sess); err != nil {
		logger.Error("Appliance bootstrap failed", "step", runner.FailedStep(), "error", err)
		metrics.AppliancesFailed.WithLabelValues(runner.FailedStep()).Inc()

		return runner.Status()
	}

	metrics.AppliancesBootstrapped.Inc()

	return runner.Status()
}

func failedStatus(appliance *model.Appliance, step string, err error) *tasks.TaskStatus {
	return &tasks.TaskStatus{
		Task:     "ApplianceBootstrap",
		Hostname: appliance.Hostname,
		Status:   string(tasks.StateFailed),
		Error:    err.Error(),
		Steps: []*tasks.StepStatus{
			tasks.NewStepStatus(step, tasks.StateFailed, "", err),
		},
	}
}

// Report is the per-run outcome summary.
type Report struct {
	RunID      string              `yaml:"run_id" json:"run_id"`
	Appliances []*tasks.TaskStatus `yaml:"appliances" json:"appliances"`
	Failed     int                 `yaml:"failed" json:"failed"`
}

func NewReport() *Report {
	return &Report{
		RunID: uuid.NewString(),
	}
}

func (r *Report) Add(status *tasks.TaskStatus) {
	r.Appliances = append(r.Appliances, status)

	if status.Status == string(tasks.StateFailed) {
		r.Failed++
	}
}

// Ok reports whether every appliance completed.
func (r *Report) Ok() bool {
	return r.Failed == 0
}
