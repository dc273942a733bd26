package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsKind(t *testing.T) {
	err := fmt.Errorf("copy: %w", &Error{Kind: KindTransfer, Op: "transfer", Msg: "destination already exists", Path: "/vol/out"})

	assert.True(t, errors.Is(err, ErrTransfer))
	assert.False(t, errors.Is(err, ErrStorage))

	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindTransfer, k)
	assert.Equal(t, "destination already exists", Message(err))
	assert.Contains(t, err.Error(), "(/vol/out)")
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindConnectivity, "call ping", io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, errors.Is(err, ErrConnectivity))
	assert.Nil(t, Wrap(KindProtocol, "x", nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(KindConnectivity, "resolve", "no endpoint")))
	assert.True(t, IsFatal(New(KindProtocol, "call", "bad envelope")))
	assert.False(t, IsFatal(New(KindStorage, "validate", "control file not found")))
	assert.False(t, IsFatal(New(KindApplication, "update", "refused")))
	assert.False(t, IsFatal(errors.New("plain")))
}
