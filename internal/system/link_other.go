//go:build !linux

package system

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("link control is only supported on linux")

type unsupportedLink struct{}

func NewLink() Link {
	return unsupportedLink{}
}

func (unsupportedLink) Up(name string) error {
	return &InterfaceError{Interface: name, Err: errUnsupported}
}

func (unsupportedLink) DefaultGateway(string) (net.IP, error) {
	return nil, errUnsupported
}
