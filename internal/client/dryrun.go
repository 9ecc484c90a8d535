package client

import (
	"context"
	"net/netip"

	"github.com/google/uuid"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/pkg/errors"
)

// applianceState is the simulated state of one appliance, keyed by the
// address it is currently reachable on.
type applianceState struct {
	licensed      bool
	eulaRead      bool
	eula1Accepted bool
	eula2Accepted bool
	activated     bool
	password      string
	magic1        string
	magic2        string
	parameters    map[string]string
	interfaces    map[int]string
}

func newApplianceState() *applianceState {
	return &applianceState{
		parameters: map[string]string{},
		interfaces: map[int]string{},
	}
}

// DryRun is a simulated implementation of the API interface. The fleet state
// lives in memory, keyed by management address, and follows the same rules a
// factory appliance does: handshake steps must arrive in order with the
// right magic token, authenticated calls need the established password, and
// reassigning the management interface moves the appliance to its new
// address.
type DryRun struct {
	fleet map[string]*applianceState
}

var _ API = (*DryRun)(nil)

// NewDryRun creates a simulated fleet. Appliances appear on first contact,
// unlicensed.
func NewDryRun() *DryRun {
	return &DryRun{
		fleet: map[string]*applianceState{},
	}
}

// Seed marks the appliance at address as already licensed with the given
// administrative password, as if a previous run had bootstrapped it.
func (d *DryRun) Seed(address, password string) {
	state := newApplianceState()
	state.licensed = true
	state.activated = true
	state.password = password

	d.fleet[address] = state
}

func (d *DryRun) Query(_ context.Context, conn model.Connection, _ model.Credential) (model.LicenseState, error) {
	state := d.appliance(conn)

	if state.licensed {
		return model.LicenseStateLicensed, nil
	}

	return model.LicenseStateUnlicensed, nil
}

func (d *DryRun) ReadEULA(_ context.Context, conn model.Connection) (*EULA, error) {
	state := d.appliance(conn)

	if state.licensed {
		return nil, errors.Wrapf(model.ErrTransport, "%s: appliance is already licensed", conn.Address)
	}

	state.eulaRead = true
	state.magic1 = uuid.NewString()

	return &EULA{Text: "END USER LICENSE AGREEMENT (1 of 2)", Magic: state.magic1}, nil
}

func (d *DryRun) AcceptEULA(_ context.Context, conn model.Connection, magic string) (*EULA, error) {
	state := d.appliance(conn)

	if !state.eulaRead || magic == "" || magic != state.magic1 {
		return nil, errors.Wrapf(model.ErrSequence, "%s: accepteula without a valid magic token", conn.Address)
	}

	state.eula1Accepted = true
	state.magic2 = uuid.NewString()

	return &EULA{Text: "END USER LICENSE AGREEMENT (2 of 2)", Magic: state.magic2}, nil
}

func (d *DryRun) AcceptEULA2(_ context.Context, conn model.Connection, magic string, accept bool) error {
	state := d.appliance(conn)

	if !state.eula1Accepted || magic == "" || magic != state.magic2 {
		return errors.Wrapf(model.ErrSequence, "%s: accepteula2 without a valid magic token", conn.Address)
	}

	if !accept {
		return errors.Wrapf(model.ErrTransport, "%s: EULA rejection is not supported", conn.Address)
	}

	state.eula2Accepted = true

	return nil
}

func (d *DryRun) ActivateOnline(_ context.Context, conn model.Connection, kempID, kempPassword string) error {
	state := d.appliance(conn)

	if !state.eula2Accepted {
		return errors.Wrapf(model.ErrSequence, "%s: activation before EULA acceptance", conn.Address)
	}

	if kempID == "" || kempPassword == "" {
		return errors.Wrapf(model.ErrTransport, "%s: activation rejected, missing KEMP identity", conn.Address)
	}

	state.activated = true
	state.licensed = true

	return nil
}

func (d *DryRun) SetInitialPassword(_ context.Context, conn model.Connection, password string) error {
	state := d.appliance(conn)

	if !state.activated {
		return errors.Wrapf(model.ErrSequence, "%s: initial password before activation", conn.Address)
	}

	if password == "" {
		return errors.Wrapf(model.ErrTransport, "%s: empty password rejected", conn.Address)
	}

	state.password = password

	return nil
}

func (d *DryRun) SetParameter(_ context.Context, conn model.Connection, cred model.Credential, name, value string) error {
	state := d.appliance(conn)

	if err := d.authenticate(conn, state, cred); err != nil {
		return err
	}

	state.parameters[name] = value

	return nil
}

func (d *DryRun) SetInterface(_ context.Context, conn model.Connection, cred model.Credential, interfaceID int, cidr string) error {
	state := d.appliance(conn)

	if err := d.authenticate(conn, state, cred); err != nil {
		return err
	}

	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return errors.Wrapf(model.ErrTransport, "%s: interface %d: bad address %q", conn.Address, interfaceID, cidr)
	}

	state.interfaces[interfaceID] = cidr

	// Reassigning the management interface moves the appliance: it stops
	// answering on the old address immediately.
	if interfaceID == model.ManagementInterfaceID {
		newAddress := prefix.Addr().String()
		if newAddress != conn.Address {
			delete(d.fleet, conn.Address)
			d.fleet[newAddress] = state
		}
	}

	return nil
}

// Parameter reports a parameter as stored on the appliance currently at
// address, for inspection after a rehearsal.
func (d *DryRun) Parameter(address, name string) (string, bool) {
	state, ok := d.fleet[address]
	if !ok {
		return "", false
	}

	value, ok := state.parameters[name]

	return value, ok
}

// Interface reports the CIDR stored for one interface of the appliance
// currently at address.
func (d *DryRun) Interface(address string, interfaceID int) (string, bool) {
	state, ok := d.fleet[address]
	if !ok {
		return "", false
	}

	cidr, ok := state.interfaces[interfaceID]

	return cidr, ok
}

func (d *DryRun) appliance(conn model.Connection) *applianceState {
	state, ok := d.fleet[conn.Address]
	if !ok {
		state = newApplianceState()
		d.fleet[conn.Address] = state
	}

	return state
}

func (d *DryRun) authenticate(conn model.Connection, state *applianceState, cred model.Credential) error {
	if !state.licensed {
		return errors.Wrapf(model.ErrTransport, "%s: authenticated call on unlicensed appliance", conn.Address)
	}

	if state.password == "" {
		return errors.Wrapf(model.ErrTransport, "%s: administrative password not established", conn.Address)
	}

	if cred.Username != model.AdminUser || cred.Password != state.password {
		return errors.Wrapf(model.ErrTransport, "%s: authentication failed for %q", conn.Address, cred.Username)
	}

	return nil
}
