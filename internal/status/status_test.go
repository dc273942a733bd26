package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExecuting(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{KeepCurrent, false},
		{Queued, false},
		{Aborted, false},
		{19, false},
		{Dispatched, true},
		{DestinationCreated, true},
		{InProgress, true},
		{ToolRunning, true},
		{ToolRunningLast, true},
		{69, true},
		{70, false},
		{FinishedSuccess, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.IsExecuting(), "code %d", tt.code)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Dispatched, InProgress))
	assert.True(t, CanTransition(InProgress, InProgress))
	assert.False(t, CanTransition(InProgress, Dispatched))
	assert.True(t, CanTransition(InProgress, KeepCurrent))
	assert.True(t, CanTransition(ToolRunning, Aborted))
	assert.True(t, CanTransition(Queued, Aborted))

	// terminal states accept nothing
	assert.False(t, CanTransition(Aborted, KeepCurrent))
	assert.False(t, CanTransition(Aborted, FinishedSuccess))
	assert.False(t, CanTransition(FinishedSuccess, Aborted))
	assert.False(t, CanTransition(FinishedSuccess, KeepCurrent))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "tool-running(55)", Code(55).String())
	assert.Equal(t, "77", Code(77).String())
}

func TestUnmarshalJSON(t *testing.T) {
	var v struct {
		A Code `json:"a"`
		B Code `json:"b"`
		C Code `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"40","b":95,"c":null}`), &v))
	assert.Equal(t, InProgress, v.A)
	assert.Equal(t, FinishedSuccess, v.B)
	assert.Equal(t, KeepCurrent, v.C)

	var bad Code
	assert.Error(t, json.Unmarshal([]byte(`"forty"`), &bad))
}
