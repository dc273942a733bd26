package status

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Code is a task status as tracked by the coordinator. The domain is ordered
// and open: the coordinator may send values between the named checkpoints.
type Code int

// Named checkpoints
const (
	KeepCurrent        Code = 0
	AwaitingDispatch   Code = 1
	Queued             Code = 5
	Aborted            Code = 8
	Dispatched         Code = 20
	DestinationCreated Code = 30
	InProgress         Code = 40
	ToolRunning        Code = 50
	ToolRunningLast    Code = 68
	FinishedSuccess    Code = 95
)

// Executing band is [executingLow, executingHigh).
const (
	executingLow  Code = 20
	executingHigh Code = 70
)

var names = map[Code]string{
	KeepCurrent:        "keep-current",
	AwaitingDispatch:   "awaiting-dispatch",
	Queued:             "queued",
	Aborted:            "aborted",
	Dispatched:         "dispatched",
	DestinationCreated: "destination-created",
	InProgress:         "in-progress",
	FinishedSuccess:    "finished-success",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	if c.IsToolRunning() {
		return fmt.Sprintf("tool-running(%d)", int(c))
	}
	return strconv.Itoa(int(c))
}

// IsExecuting reports whether the task is actively being worked on.
// Monitoring uses this band to detect stalled tasks.
func (c Code) IsExecuting() bool {
	return c >= executingLow && c < executingHigh
}

// IsToolRunning reports whether c lies in the external-tool sub-band.
func (c Code) IsToolRunning() bool {
	return c >= ToolRunning && c <= ToolRunningLast
}

// IsTerminal reports whether no further transition is meaningful.
func (c Code) IsTerminal() bool {
	return c == Aborted || c >= FinishedSuccess
}

// Valid reports whether c can be sent to the coordinator at all.
func (c Code) Valid() bool {
	return c >= KeepCurrent && c <= 100
}

// CanTransition reports whether moving a task recorded at from to the status
// to is allowed. KeepCurrent never changes the recorded status and is always
// allowed for non-terminal tasks. Aborted is reachable from any non-terminal
// status. Everything else must be non-decreasing.
func CanTransition(from, to Code) bool {
	if from.IsTerminal() {
		return false
	}
	if to == KeepCurrent || to == Aborted {
		return true
	}
	return to >= from
}

// UnmarshalJSON accepts both numbers and numeric strings, the coordinator
// sends either depending on the endpoint.
func (c *Code) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*c = KeepCurrent
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("status: decode %s: %w", raw, err)
		}
		raw = strings.TrimSpace(s)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("status: invalid code %q", raw)
	}
	*c = Code(n)
	return nil
}
