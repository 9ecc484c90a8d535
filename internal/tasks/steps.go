package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/metal-toolbox/lbcfg/internal/secrets"
	"github.com/pkg/errors"
)

var (
	firstMagicKey  = "eulaMagic1"
	secondMagicKey = "eulaMagic2"
)

// StepStatus has status about a step, to be reported as part of the overall task.
type StepStatus struct {
	Step    string `json:"step" yaml:"step"`
	Status  string `json:"status" yaml:"status"`
	Details string `json:"details,omitempty" yaml:"details,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewStepStatus will create a new step status struct
func NewStepStatus(stepName string, state State, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  string(state),
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

func (s *StepStatus) AsLogFields() []any {
	return []any{
		"step", s.Step,
		"status", s.Status,
		"details", s.Details,
		"error", s.Error,
	}
}

// Step is a unit of work. Multiple steps accomplish a task.
type Step interface {
	// Name of this step
	Name() string
	// Run will execute the code to accomplish this step
	Run(ctx context.Context, sess *Session, data sharedData) (string, error)
}

type readEULAStep struct {
	name string
}

// ReadEULAStep fetches the first license agreement and stores its magic
// token for the acceptance step.
func ReadEULAStep() Step {
	return &readEULAStep{
		name: "ReadEULA",
	}
}

func (t *readEULAStep) Name() string {
	return t.name
}

func (t *readEULAStep) Run(ctx context.Context, sess *Session, data sharedData) (string, error) {
	eula, err := sess.API.ReadEULA(ctx, sess.Connection())
	if err != nil {
		return "Failed to read first EULA", err
	}

	slog.Debug("First EULA", "text", eula.Text)
	data[firstMagicKey] = eula.Magic

	return "First EULA received", nil
}

type acceptEULAStep struct {
	name string
}

// AcceptEULAStep acknowledges the first agreement using the stored magic
// token and stores the second token.
func AcceptEULAStep() Step {
	return &acceptEULAStep{
		name: "AcceptEULA",
	}
}

func (t *acceptEULAStep) Name() string {
	return t.name
}

func (t *acceptEULAStep) Run(ctx context.Context, sess *Session, data sharedData) (string, error) {
	magic, ok := data[firstMagicKey]
	if !ok || magic == "" {
		return "Missing first EULA token", errors.Wrap(model.ErrSequence, "no magic token from the readeula step")
	}

	eula, err := sess.API.AcceptEULA(ctx, sess.Connection(), magic)
	if err != nil {
		return "Failed to accept first EULA", err
	}

	slog.Debug("Second EULA", "text", eula.Text)
	data[secondMagicKey] = eula.Magic

	return "First EULA accepted", nil
}

type acceptEULA2Step struct {
	name string
}

// AcceptEULA2Step finalizes the handshake. Acceptance is always affirmative;
// a rejection path is not modeled on this workflow.
func AcceptEULA2Step() Step {
	return &acceptEULA2Step{
		name: "AcceptEULA2",
	}
}

func (t *acceptEULA2Step) Name() string {
	return t.name
}

func (t *acceptEULA2Step) Run(ctx context.Context, sess *Session, data sharedData) (string, error) {
	magic, ok := data[secondMagicKey]
	if !ok || magic == "" {
		return "Missing second EULA token", errors.Wrap(model.ErrSequence, "no magic token from the accepteula step")
	}

	if err := sess.API.AcceptEULA2(ctx, sess.Connection(), magic, true); err != nil {
		return "Failed to accept second EULA", err
	}

	return "Second EULA accepted", nil
}

type activateOnlineStep struct {
	name  string
	store *secrets.Store
}

// ActivateOnlineStep licenses the appliance online. The KEMP identity is
// resolved through the secret store, which prompts at most once per run no
// matter how many appliances need activation.
func ActivateOnlineStep(store *secrets.Store) Step {
	return &activateOnlineStep{
		name:  "ActivateOnline",
		store: store,
	}
}

func (t *activateOnlineStep) Name() string {
	return t.name
}

func (t *activateOnlineStep) Run(ctx context.Context, sess *Session, _ sharedData) (string, error) {
	kempID, kempPassword, err := t.store.ActivationIdentity()
	if err != nil {
		return "Failed to resolve KEMP activation identity", err
	}

	if err := sess.API.ActivateOnline(ctx, sess.Connection(), kempID, kempPassword); err != nil {
		return "Failed to activate license online", err
	}

	return "License activated", nil
}

type establishPasswordStep struct {
	name  string
	store *secrets.Store
}

// EstablishPasswordStep sets the initial administrative password and rotates
// the session credential so every later call authenticates with it.
func EstablishPasswordStep(store *secrets.Store) Step {
	return &establishPasswordStep{
		name:  "EstablishInitialPassword",
		store: store,
	}
}

func (t *establishPasswordStep) Name() string {
	return t.name
}

func (t *establishPasswordStep) Run(ctx context.Context, sess *Session, _ sharedData) (string, error) {
	password, err := t.store.AdminPassword()
	if err != nil {
		return "Failed to resolve admin password", err
	}

	if err := sess.API.SetInitialPassword(ctx, sess.Connection(), password); err != nil {
		return "Failed to set initial password", err
	}

	sess.Rotate(model.Credential{Username: model.AdminUser, Password: password})

	return "Initial password established, credential rotated", nil
}

type setHostnameStep struct {
	name     string
	hostname string
}

// SetHostnameStep applies the hostname before anything from the generic
// parameter list, downstream tooling relies on identity being set first.
func SetHostnameStep(hostname string) Step {
	return &setHostnameStep{
		name:     "SetHostname",
		hostname: hostname,
	}
}

func (t *setHostnameStep) Name() string {
	return t.name
}

func (t *setHostnameStep) Run(ctx context.Context, sess *Session, _ sharedData) (string, error) {
	err := sess.API.SetParameter(ctx, sess.Connection(), sess.Credential(), "hostname", t.hostname)
	if err != nil {
		return "Failed to set hostname", err
	}

	return "Hostname set: " + t.hostname, nil
}

type applyParametersStep struct {
	name       string
	parameters []model.Parameter
	policy     model.ParameterPolicy
}

// ApplyParametersStep pushes the generic parameter list in order. Each
// parameter application is independent; the policy decides whether a failure
// aborts the appliance or is recorded and skipped.
func ApplyParametersStep(parameters []model.Parameter, policy model.ParameterPolicy) Step {
	return &applyParametersStep{
		name:       "ApplyParameters",
		parameters: parameters,
		policy:     policy,
	}
}

func (t *applyParametersStep) Name() string {
	return t.name
}

func (t *applyParametersStep) Run(ctx context.Context, sess *Session, _ sharedData) (string, error) {
	var skipped []string

	for _, parameter := range t.parameters {
		err := sess.API.SetParameter(ctx, sess.Connection(), sess.Credential(), parameter.Name, parameter.Value)
		if err == nil {
			continue
		}

		if t.policy == model.ParameterPolicyAbort {
			return "Failed to set parameter " + parameter.Name, err
		}

		slog.Warn("Parameter skipped", "parameter", parameter.Name, "error", err)
		skipped = append(skipped, parameter.Name)
	}

	if len(skipped) > 0 {
		return fmt.Sprintf("%d parameters applied, skipped: %s",
			len(t.parameters)-len(skipped), strings.Join(skipped, ", ")), nil
	}

	return fmt.Sprintf("%d parameters applied", len(t.parameters)), nil
}

type applyInterfacesStep struct {
	name       string
	interfaces []model.InterfaceAssignment
}

// ApplyInterfacesStep assigns addresses interface by interface, in inventory
// order. A successful management interface assignment retargets the session
// immediately, so interfaces later in the same loop are addressed at the
// appliance's new management address.
func ApplyInterfacesStep(interfaces []model.InterfaceAssignment) Step {
	return &applyInterfacesStep{
		name:       "ApplyInterfaces",
		interfaces: interfaces,
	}
}

func (t *applyInterfacesStep) Name() string {
	return t.name
}

func (t *applyInterfacesStep) Run(ctx context.Context, sess *Session, _ sharedData) (string, error) {
	for i := range t.interfaces {
		iface := &t.interfaces[i]

		err := sess.API.SetInterface(ctx, sess.Connection(), sess.Credential(), iface.ID, iface.Address)
		if err != nil {
			return fmt.Sprintf("Failed to configure interface %d", iface.ID), err
		}

		if iface.ID != model.ManagementInterfaceID {
			continue
		}

		address, err := iface.IP()
		if err != nil {
			// Inventory validation runs before any network call, a
			// bad CIDR cannot normally reach this point.
			return "Management interface address unusable", err
		}

		if address != sess.Connection().Address {
			slog.Info("Management address changed, retargeting",
				"old", sess.Connection().Address, "new", address)
			sess.Retarget(address)
		}
	}

	return fmt.Sprintf("%d interfaces configured", len(t.interfaces)), nil
}
