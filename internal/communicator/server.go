package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AgentState is what the local status endpoint reports.
type AgentState struct {
	AgentID     string    `json:"agent_id"`
	Environment string    `json:"environment"`
	BaseURL     string    `json:"base_url"`
	Active      int       `json:"active"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      int       `json:"status"`
	Executing   bool      `json:"executing"`
	Finished    int       `json:"finished"`
	Aborted     int       `json:"aborted"`
	LastPoll    time.Time `json:"last_poll"`
}

// StateSource provides the current agent state.
type StateSource interface {
	State() AgentState
}

// AgentServer exposes the agent state on a local address so operators and
// stall monitors can look at a running agent without asking the coordinator.
type AgentServer struct {
	addr   string
	source StateSource
	logger *zap.Logger
	srv    *http.Server
}

func NewAgentServer(addr string, source StateSource, logger *zap.Logger) *AgentServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AgentServer{addr: addr, source: source, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agent/status", s.handleStatus)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *AgentServer) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown is called.
func (s *AgentServer) Start() error {
	s.logger.Info("status endpoint listening", zap.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AgentServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *AgentServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.source.State()); err != nil {
		s.logger.Warn("failed to encode agent state", zap.Error(err))
	}
}
