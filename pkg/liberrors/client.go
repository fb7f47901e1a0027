// Package liberrors contains errors returned by the client.
package liberrors

import (
	"fmt"

	"github.com/ErikOnBike/light-play/pkg/base"
)

// ErrClientWrongStatusCode is returned when the receiver answers with
// a non-success status code.
type ErrClientWrongStatusCode struct {
	Code    base.StatusCode
	Message string
}

// Error implements the error interface.
func (e ErrClientWrongStatusCode) Error() string {
	return fmt.Sprintf("wrong status code: %d (%s)", e.Code, e.Message)
}

// ErrClientReceiverBusy is returned when the receiver reports not
// enough bandwidth, which in practice means it is already playing
// audio from another source.
type ErrClientReceiverBusy struct{}

// Error implements the error interface.
func (e ErrClientReceiverBusy) Error() string {
	return "receiver reported low bandwidth; it is probably playing audio already"
}

// ErrClientAuthFailed is returned when the receiver rejects the
// credentials a second time.
type ErrClientAuthFailed struct{}

// Error implements the error interface.
func (e ErrClientAuthFailed) Error() string {
	return "invalid password"
}

// ErrClientAuthChallengeInvalid is returned when the authentication
// challenge cannot be parsed.
type ErrClientAuthChallengeInvalid struct {
	Err error
}

// Error implements the error interface.
func (e ErrClientAuthChallengeInvalid) Error() string {
	return fmt.Sprintf("invalid authentication challenge: %v", e.Err)
}

// ErrClientSessionHeaderInvalid is returned when the SETUP response
// carries no valid Session header.
type ErrClientSessionHeaderInvalid struct {
	Err error
}

// Error implements the error interface.
func (e ErrClientSessionHeaderInvalid) Error() string {
	return fmt.Sprintf("invalid session header: %v", e.Err)
}

// ErrClientTransportHeaderInvalid is returned when the SETUP response
// carries no usable Transport header.
type ErrClientTransportHeaderInvalid struct {
	Err error
}

// Error implements the error interface.
func (e ErrClientTransportHeaderInvalid) Error() string {
	return fmt.Sprintf("invalid transport header: %v", e.Err)
}

// ErrClientWrongState is returned when an operation is attempted in
// the wrong playback state.
type ErrClientWrongState struct {
	State fmt.Stringer
}

// Error implements the error interface.
func (e ErrClientWrongState) Error() string {
	return fmt.Sprintf("operation not valid in state %v", e.State)
}
