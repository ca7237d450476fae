package system

import (
	"errors"
	"fmt"
	"net"
)

// Link controls the managed network interface.
type Link interface {
	// Up brings the interface administratively up.
	Up(name string) error
	// DefaultGateway returns the gateway of the default route leaving
	// through the interface.
	DefaultGateway(name string) (net.IP, error)
}

// ErrNoGateway is returned when the routing table has no default route for
// the interface.
var ErrNoGateway = errors.New("no default gateway")

// InterfaceError reports that the managed interface could not be configured.
// It is returned to the requesting caller; the daemon keeps running.
type InterfaceError struct {
	Interface string
	Err       error
}

func (e *InterfaceError) Error() string {
	return fmt.Sprintf("Error configuring interface %s: %v", e.Interface, e.Err)
}

func (e *InterfaceError) Unwrap() error { return e.Err }
