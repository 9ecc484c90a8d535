package tasks

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/metal-toolbox/lbcfg/internal/client"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/metal-toolbox/lbcfg/internal/secrets"
	"github.com/pkg/errors"
)

// sharedData carries values produced by one step into later steps, such as
// the magic tokens threaded through the EULA handshake.
type sharedData map[string]string

// Session threads the mutable connection target and the current working
// credential through a task. The connection address is rewritten when the
// management interface is reassigned; the credential is replaced, never
// mutated, when the initial password is established.
type Session struct {
	API  client.API
	conn model.Connection
	cred model.Credential
}

// NewSession starts a session against one appliance with its initial
// connection target and credential.
func NewSession(api client.API, conn model.Connection, cred model.Credential) *Session {
	return &Session{
		API:  api,
		conn: conn,
		cred: cred,
	}
}

// Connection returns the current reachable management endpoint.
func (s *Session) Connection() model.Connection {
	return s.conn
}

// Credential returns the current working credential.
func (s *Session) Credential() model.Credential {
	return s.cred
}

// Rotate replaces the working credential. Every call issued after rotation
// uses the new credential.
func (s *Session) Rotate(cred model.Credential) {
	s.cred = cred
}

// Retarget moves the session to a new management address, keeping the port.
// All subsequent calls, including later steps of the same task, address the
// appliance there.
func (s *Session) Retarget(address string) {
	s.conn.Address = address
}

// TaskStatus has status about a task, and its steps.
type TaskStatus struct {
	Task     string        `json:"task" yaml:"task"`
	Hostname string        `json:"hostname" yaml:"hostname"`
	Status   string        `json:"status" yaml:"status"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Steps    []*StepStatus `json:"steps" yaml:"steps"`
}

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Task is the unit of work for one appliance: the ordered steps that take it
// from its detected state to bootstrapped.
type Task interface {
	// Name of the task
	Name() string
	// Appliance is the device this task operates on
	Appliance() *model.Appliance
	// Steps is the ordered work that accomplishes the task
	Steps() []Step
}

type bootstrapTask struct {
	name      string
	appliance *model.Appliance
	steps     []Step
}

// NewBootstrapTask builds the full bootstrap for an unlicensed appliance:
// EULA handshake, online activation, initial password with credential
// rotation, then hostname, parameters and interfaces.
func NewBootstrapTask(appliance *model.Appliance, store *secrets.Store, parameters []model.Parameter, policy model.ParameterPolicy) Task {
	return &bootstrapTask{
		name:      "ApplianceBootstrap",
		appliance: appliance,
		steps: []Step{
			ReadEULAStep(),
			AcceptEULAStep(),
			AcceptEULA2Step(),
			ActivateOnlineStep(store),
			EstablishPasswordStep(store),
			SetHostnameStep(appliance.Hostname),
			ApplyParametersStep(parameters, policy),
			ApplyInterfacesStep(appliance.Interfaces),
		},
	}
}

// NewConfigureTask builds the reduced sequence for an appliance that is
// already licensed: license and password steps are skipped entirely.
func NewConfigureTask(appliance *model.Appliance, parameters []model.Parameter, policy model.ParameterPolicy) Task {
	return &bootstrapTask{
		name:      "ApplianceConfigure",
		appliance: appliance,
		steps: []Step{
			SetHostnameStep(appliance.Hostname),
			ApplyParametersStep(parameters, policy),
			ApplyInterfacesStep(appliance.Interfaces),
		},
	}
}

func (t *bootstrapTask) Name() string {
	return t.name
}

func (t *bootstrapTask) Appliance() *model.Appliance {
	return t.appliance
}

func (t *bootstrapTask) Steps() []Step {
	return t.steps
}

// TaskRunner runs the task by executing its steps in order, recording step
// status for the run report. The first step failure stops the task.
type TaskRunner struct {
	task       Task
	taskStatus *TaskStatus
}

// NewTaskRunner creates a TaskRunner to run a specific Task.
func NewTaskRunner(task Task) *TaskRunner {
	runner := &TaskRunner{
		task: task,
		taskStatus: &TaskStatus{
			Task:     task.Name(),
			Hostname: task.Appliance().Hostname,
			Status:   string(StatePending),
		},
	}

	runner.initTaskLog()

	return runner
}

// Status returns the task status record, updated as the task runs.
func (r *TaskRunner) Status() *TaskStatus {
	return r.taskStatus
}

func (r *TaskRunner) Run(ctx context.Context, sess *Session) (err error) {
	slog.With(r.task.Appliance().AsLogFields()...).Info("Running task", "task", r.task.Name())

	data := sharedData{}

	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(rec)
		}
	}()

	r.taskStatus.Status = string(StateActive)

	for stepID, step := range r.task.Steps() {
		r.stepUpdate(stepID, StateActive, "Running step", nil)

		details, err := step.Run(ctx, sess, data)
		if err != nil {
			r.stepUpdate(stepID, StateFailed, details, err)
			r.taskStatus.Status = string(StateFailed)
			r.taskStatus.Error = err.Error()

			return errors.Wrapf(err, "step %s", step.Name())
		}

		r.stepUpdate(stepID, StateSucceeded, details, nil)
	}

	r.taskStatus.Status = string(StateSucceeded)
	slog.With(r.task.Appliance().AsLogFields()...).Info("Task completed successfully", "task", r.task.Name())

	return nil
}

func (r *TaskRunner) initTaskLog() {
	steps := r.task.Steps()
	r.taskStatus.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		r.taskStatus.Steps[i] = NewStepStatus(step.Name(), StatePending, "", nil)
	}
}

func (r *TaskRunner) handlePanic(rec any) error {
	slog.Error("!!panic occurred", "rec", rec, "stack", string(debug.Stack()))

	err := errors.New("Task fatal error, check logs for details")

	r.taskStatus.Status = string(StateFailed)
	r.taskStatus.Error = err.Error()

	return err
}

func (r *TaskRunner) stepUpdate(stepID int, state State, details string, err error) {
	step := r.task.Steps()[stepID]
	stepStatus := NewStepStatus(step.Name(), state, details, err)

	r.taskStatus.Steps[stepID] = stepStatus

	logger := slog.With(r.task.Appliance().AsLogFields()...).With(stepStatus.AsLogFields()...)

	if state == StateFailed {
		logger.Error("Step failed", "step", step.Name())
		return
	}

	logger.Info(details, "step", step.Name())
}

// FailedStep returns the name of the failed step, if any.
func (r *TaskRunner) FailedStep() string {
	for _, step := range r.taskStatus.Steps {
		if step.Status == string(StateFailed) {
			return step.Step
		}
	}

	return ""
}
