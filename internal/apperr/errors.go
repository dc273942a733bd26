// Package apperr defines the error taxonomy shared by the agent components.
// Every error that crosses a component boundary carries a Kind so the agent
// loop can decide whether it is fatal to the process or only to the task.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by how the agent must react to it.
type Kind string

const (
	// KindConnectivity means no coordinator endpoint answered or a request timed out.
	KindConnectivity Kind = "CONNECTIVITY"

	// KindProtocol means the coordinator answered with something that is not a valid envelope.
	KindProtocol Kind = "PROTOCOL"

	// KindApplication means the coordinator answered with a well-formed failure.
	KindApplication Kind = "APPLICATION"

	// KindStorage means a storage root is missing its control file or could not be mapped.
	KindStorage Kind = "STORAGE"

	// KindTransfer means a copy failed or was refused.
	KindTransfer Kind = "TRANSFER"
)

// Sentinels usable with errors.Is.
var (
	ErrConnectivity = &Error{Kind: KindConnectivity}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrApplication  = &Error{Kind: KindApplication}
	ErrStorage      = &Error{Kind: KindStorage}
	ErrTransfer     = &Error{Kind: KindTransfer}
)

// Error is a classified error. Op names the failing operation, Path the
// file or URL involved when there is one.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(strings.ToLower(string(e.Kind)) + " error")
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsFatal reports whether err must stop the agent process. Only
// connectivity and protocol failures are; everything else is scoped to a task.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindConnectivity || k == KindProtocol
}

// Message returns the text to report to the coordinator for err: the
// bare message when there is one, the full error otherwise.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
