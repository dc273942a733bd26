package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/forensiclab/agent/config"
	"github.com/forensiclab/agent/internal/lease"
	"github.com/forensiclab/agent/internal/status"
	"github.com/forensiclab/agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestHelperProcess is not a real test: it is the child worker started by
// the supervisor tests. It exits 0 for task "ok", reports success and then
// exits 4 for task "done", and exits 3 otherwise.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FAGENT_HELPER_PROCESS") != "1" {
		return
	}
	cc, err := ReadChildContext(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cc.Storages["vol1"].Root != "/mnt/vol1" {
		os.Exit(3)
	}
	switch cc.Task.ID {
	case "ok":
		os.Exit(0)
	case "done":
		_ = WriteChildReport(os.Stdout, ChildReport{TaskID: cc.Task.ID, Status: status.FinishedSuccess})
		os.Exit(4)
	}
	os.Exit(3)
}

func newTestSupervisor() *Supervisor {
	return New(Config{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$"},
		Env:    []string{"FAGENT_HELPER_PROCESS=1"},
	})
}

func childContext(id lease.TaskID) ChildContext {
	return ChildContext{
		AgentID:  "agent-1",
		Profile:  config.Profile{Name: "development", Protocol: "http", IPs: []string{"127.0.0.1"}, Port: 8080},
		BaseURL:  "http://127.0.0.1:8080/coordinator",
		Storages: map[string]storage.Storage{"vol1": {Name: "vol1", Root: "/mnt/vol1", Marker: "m.txt"}},
		Task:     lease.Task{ID: id, Type: lease.TypeCopy, Source: "/a", Destination: "/b", Status: status.Dispatched},
	}
}

func TestSpawnAndReap(t *testing.T) {
	s := newTestSupervisor()
	ctx := context.Background()

	okHandle, err := s.Spawn(ctx, childContext("ok"))
	require.NoError(t, err)
	assert.NotZero(t, okHandle.PID)
	_, err = s.Spawn(ctx, childContext("bad"))
	require.NoError(t, err)
	_, err = s.Spawn(ctx, childContext("done"))
	require.NoError(t, err)

	_, err = s.Spawn(ctx, childContext("ok"))
	assert.Error(t, err, "one worker per task id")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(waitCtx))

	reaped := s.ReapAll()
	require.Len(t, reaped, 3)
	assert.Zero(t, s.Running())

	byID := map[lease.TaskID]*Handle{}
	for _, h := range reaped {
		byID[h.TaskID] = h
	}
	assert.NoError(t, byID["ok"].ExitErr)
	assert.False(t, byID["ok"].Reported)
	assert.Error(t, byID["bad"].ExitErr)
	assert.False(t, byID["bad"].Finished())

	done := byID["done"]
	assert.Error(t, done.ExitErr)
	require.True(t, done.Reported)
	assert.Equal(t, status.FinishedSuccess, done.Report.Status)
	assert.True(t, done.Finished(), "a reported terminal status outlives the exit code")
	assert.Empty(t, s.ReapAll())
}

func TestReadChildReportIgnoresForeignOutput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChildReport(&buf, ChildReport{TaskID: "7", Status: status.Aborted}))

	rep, ok := readChildReport(buf.Bytes(), "7")
	require.True(t, ok)
	assert.Equal(t, status.Aborted, rep.Status)

	_, ok = readChildReport(buf.Bytes(), "8")
	assert.False(t, ok, "report for another task")
	_, ok = readChildReport([]byte("PASS\n"), "7")
	assert.False(t, ok)
	_, ok = readChildReport(nil, "7")
	assert.False(t, ok)
}

func TestReadChildContextRoundTrip(t *testing.T) {
	cc := childContext("42")
	data, err := yaml.Marshal(cc)
	require.NoError(t, err)

	got, err := ReadChildContext(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, cc.Task.ID, got.Task.ID)
	assert.Equal(t, cc.Task.Status, got.Task.Status)
	assert.Equal(t, cc.Profile, got.Profile)
	assert.Equal(t, cc.Storages, got.Storages)

	_, err = ReadChildContext(bytes.NewReader([]byte("agent_id: x\n")))
	assert.Error(t, err)
}
