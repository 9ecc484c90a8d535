package model

import (
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type (
	LicenseState string

	// ParameterPolicy decides what happens when a single parameter
	// application fails mid-bootstrap.
	ParameterPolicy string
)

const (
	AppName = "lbcfg"

	// AdminUser is the administrative principal on every appliance.
	AdminUser = "bal"

	// ManagementInterfaceID is the distinguished interface whose address
	// is also the one the management API is reached on.
	ManagementInterfaceID = 0

	LicenseStateLicensed   LicenseState = "licensed"
	LicenseStateUnlicensed LicenseState = "unlicensed"

	// ParameterPolicyAbort fails the appliance on the first parameter
	// error. ParameterPolicyContinue records the error and keeps going.
	ParameterPolicyAbort    ParameterPolicy = "abort"
	ParameterPolicyContinue ParameterPolicy = "continue"
)

// Connection is the reachable management endpoint of one appliance. The
// address is rewritten when the management interface is reassigned, so the
// value is threaded through the bootstrap rather than read off the appliance
// record.
type Connection struct {
	Address string
	Port    int
}

// Credential is an immutable principal/secret pair. Rotation replaces the
// whole value, it never mutates one in place.
type Credential struct {
	Username string
	Password string
}

// InterfaceAssignment is one address assignment for one network interface.
type InterfaceAssignment struct {
	// ID of the interface, 0 is the management interface.
	ID int `mapstructure:"id" yaml:"id"`

	// Address in CIDR form, e.g. "10.0.1.31/24".
	Address string `mapstructure:"address" yaml:"address"`
}

// IP returns the address portion of the CIDR assignment.
func (i *InterfaceAssignment) IP() (string, error) {
	prefix, err := netip.ParsePrefix(i.Address)
	if err != nil {
		return "", errors.Wrapf(ErrValidation, "interface %d: bad cidr %q: %s", i.ID, i.Address, err.Error())
	}

	return prefix.Addr().String(), nil
}

// Appliance is one load balancer to bootstrap, as read from the inventory.
type Appliance struct {
	ID uuid.UUID `mapstructure:"-" yaml:"-"`

	// Hostname the appliance is given during bootstrap.
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// Address the management API is initially reachable on.
	Address string `mapstructure:"address" yaml:"address"`

	// Port of the management API.
	Port int `mapstructure:"port" yaml:"port"`

	// Interfaces to configure, applied in order.
	Interfaces []InterfaceAssignment `mapstructure:"interfaces" yaml:"interfaces"`
}

// Connection returns the initial management endpoint for the appliance.
func (a *Appliance) Connection() Connection {
	return Connection{Address: a.Address, Port: a.Port}
}

// Validate checks the inventory record before any network call is made, so
// malformed data is reported without side effects.
func (a *Appliance) Validate() error {
	if a.Hostname == "" {
		return errors.Wrap(ErrValidation, "appliance hostname is empty")
	}

	if a.Address == "" {
		return errors.Wrapf(ErrValidation, "appliance %s: no management address", a.Hostname)
	}

	if a.Port <= 0 || a.Port > 65535 {
		return errors.Wrapf(ErrValidation, "appliance %s: port %d out of range", a.Hostname, a.Port)
	}

	mgmt := 0

	for i := range a.Interfaces {
		iface := &a.Interfaces[i]

		if iface.ID < 0 {
			return errors.Wrapf(ErrValidation, "appliance %s: negative interface id %d", a.Hostname, iface.ID)
		}

		if _, err := iface.IP(); err != nil {
			return errors.Wrapf(err, "appliance %s", a.Hostname)
		}

		if iface.ID == ManagementInterfaceID {
			mgmt++
		}
	}

	if mgmt > 1 {
		return errors.Wrapf(ErrValidation, "appliance %s: %d management interfaces", a.Hostname, mgmt)
	}

	return nil
}

func (a *Appliance) AsLogFields() []any {
	return []any{
		"appliance_id", a.ID.String(),
		"hostname", a.Hostname,
		"address", a.Address,
		"port", a.Port,
	}
}

// Parameter is one name/value pair applied uniformly to every appliance.
type Parameter struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Value string `mapstructure:"value" yaml:"value"`
}

func (p ParameterPolicy) Valid() bool {
	switch p {
	case ParameterPolicyAbort, ParameterPolicyContinue:
		return true
	default:
		return false
	}
}

func ParsePolicy(s string) (ParameterPolicy, error) {
	p := ParameterPolicy(strings.ToLower(s))
	if !p.Valid() {
		return "", errors.Wrapf(ErrConfig, "unknown parameter failure policy %q", s)
	}

	return p, nil
}

type Args struct {
	LogLevel        string
	ConfigFile      string
	DryRun          bool
	EnableProfiling bool
}
