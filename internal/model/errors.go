package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig = errors.New("configuration error")

	// ErrTransport covers any failure to reach or authenticate to an
	// appliance. Fatal for that appliance's bootstrap.
	ErrTransport = errors.New("transport error")

	// ErrSequence covers a handshake step invoked out of order or with a
	// missing token. Handled like a transport error.
	ErrSequence = errors.New("sequence error")

	// ErrValidation covers malformed inventory data, detected before any
	// network call is made for the appliance.
	ErrValidation = errors.New("validation error")
)
