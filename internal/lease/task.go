package lease

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forensiclab/agent/internal/status"
)

// Task types the agent knows how to run.
const (
	TypeCopy  = "copy"
	TypeIndex = "index"
	TypeImage = "image"
)

// Task is one unit of work leased from the coordinator. The agent never
// deletes a task, it only advances its status.
type Task struct {
	ID          TaskID      `json:"codigo_tarefa" yaml:"id"`
	Type        string      `json:"tipo" yaml:"type"`
	Storage     string      `json:"storage" yaml:"storage"`
	Source      string      `json:"caminho_origem" yaml:"source"`
	Destination string      `json:"caminho_destino" yaml:"destination"`
	Status      status.Code `json:"codigo_situacao" yaml:"status"`
	Message     string      `json:"status_texto" yaml:"message"`
	CreatedAt   Timestamp   `json:"criado_em" yaml:"created_at"`
	UpdatedAt   Timestamp   `json:"atualizado_em" yaml:"updated_at"`
}

// TaskID is opaque. The coordinator sends it either as a number or a string.
type TaskID string

func (id *TaskID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	if raw == "null" {
		*id = ""
		return nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return fmt.Errorf("lease: invalid task id %s", raw)
	}
	*id = TaskID(raw)
	return nil
}

func (id TaskID) String() string {
	return string(id)
}

// Timestamp accepts the coordinator's "2006-01-02 15:04:05" format as well
// as RFC 3339 and empty values.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		if strings.TrimSpace(string(data)) == "null" {
			return nil
		}
		return fmt.Errorf("lease: invalid timestamp %s", string(data))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("lease: invalid timestamp %q", s)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(ts.Format("2006-01-02 15:04:05"))
}

// flag is the coordinator's boolean: "0"/"1", 0/1 or true/false.
type flag bool

func (f *flag) UnmarshalJSON(data []byte) error {
	switch strings.Trim(strings.TrimSpace(string(data)), `"`) {
	case "1", "true", "S", "s":
		*f = true
	case "0", "false", "", "null", "N", "n":
		*f = false
	default:
		return fmt.Errorf("lease: invalid flag %s", string(data))
	}
	return nil
}
