// Package xirc holds small, server-agnostic IRC wire-format helpers shared
// by the session and command-dispatch code: structured errors that carry
// their own numeric reply, and parameter parsing for the subset of commands
// the bridge understands.
package xirc

import (
	"fmt"

	"gopkg.in/irc.v3"
)

// Error wraps an *irc.Message that should be sent back to the client
// in response to a failed command. Command handlers return it
// instead of a plain error so the session loop can tell "send this numeric
// and keep going" apart from "something is fatally wrong".
type Error struct {
	Message *irc.Message
}

func (err Error) Error() string {
	return err.Message.String()
}

// NewError builds an Error carrying a numeric reply with the given
// parameters. The first parameter is conventionally the target nick (or "*"
// before registration).
func NewError(numeric string, params ...string) Error {
	return Error{&irc.Message{Command: numeric, Params: params}}
}

func NewNeedMoreParamsError(cmd string) Error {
	return NewError(ERR_NEEDMOREPARAMS, "*", cmd, "Not enough parameters")
}

func NewUnknownCommandError(cmd string) Error {
	return NewError(ERR_UNKNOWNCOMMAND, "*", cmd, "Unknown command")
}

// ParseParams copies msg.Params into out positionally, erroring if msg
// doesn't carry enough parameters. A nil entry in out skips that position.
func ParseParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return NewNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// ProtocolError is a malformed or out-of-sequence command that is fatal to
// the session: the caller should render it as an ERROR line and close.
type ProtocolError string

func (e ProtocolError) Error() string { return string(e) }

// AuthError is a login failure (bad password, DID mismatch after login) that
// is fatal to the session.
type AuthError string

func (e AuthError) Error() string { return string(e) }

// DirectoryError wraps a failure resolving a handle, DID document, or record
// from the upstream network. It is never fatal: callers degrade it into an
// IRC numeric local to the command that triggered the lookup.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory: %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// IngestError wraps a jetstream frame, decode, or timeout failure. It is
// never user-visible; the ingestor logs it and reconnects.
type IngestError struct {
	Err error
}

func (e *IngestError) Error() string { return fmt.Sprintf("ingest: %v", e.Err) }

func (e *IngestError) Unwrap() error { return e.Err }
