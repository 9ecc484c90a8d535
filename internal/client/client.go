// Package client talks to the appliance management API. The real
// implementation speaks the LoadMaster HTTPS access API; the dry-run
// implementation simulates a fleet in memory.
package client

import (
	"context"

	"github.com/metal-toolbox/lbcfg/internal/model"
)

// EULA is the agreement text plus the opaque magic token correlating one
// handshake step to the next. The token carries no meaning outside the
// single bootstrap call chain.
type EULA struct {
	Text  string
	Magic string
}

// API abstracts calls to one appliance's management endpoint. Every call is
// addressed by connection, not by a held session, because the reachable
// address and the working credential both change mid-bootstrap.
type API interface {
	// Query returns the appliance license state.
	Query(ctx context.Context, conn model.Connection, cred model.Credential) (model.LicenseState, error)

	// ReadEULA fetches the first license agreement and its magic token.
	// Pre-authentication, as are the rest of the handshake calls.
	ReadEULA(ctx context.Context, conn model.Connection) (*EULA, error)

	// AcceptEULA acknowledges the first agreement and returns the second
	// agreement with a fresh magic token.
	AcceptEULA(ctx context.Context, conn model.Connection, magic string) (*EULA, error)

	// AcceptEULA2 finalizes the handshake. Rejection is not a supported
	// operation on this workflow; accept is always affirmative.
	AcceptEULA2(ctx context.Context, conn model.Connection, magic string, accept bool) error

	// ActivateOnline licenses the appliance against the activation
	// service using the KEMP identity.
	ActivateOnline(ctx context.Context, conn model.Connection, kempID, kempPassword string) error

	// SetInitialPassword establishes the administrative secret for the
	// bal principal.
	SetInitialPassword(ctx context.Context, conn model.Connection, password string) error

	// SetParameter pushes one named configuration parameter.
	SetParameter(ctx context.Context, conn model.Connection, cred model.Credential, name, value string) error

	// SetInterface assigns a CIDR address to one network interface.
	SetInterface(ctx context.Context, conn model.Connection, cred model.Credential, interfaceID int, cidr string) error
}
