package session

import (
	"time"

	"github.com/nugget/switchboard/internal/connmgr"
	"github.com/nugget/switchboard/internal/connwatch"
	"github.com/nugget/switchboard/internal/tools"
)

// ServerStatus describes one configured tool server.
type ServerStatus struct {
	Name          string                  `json:"name"`
	Transport     string                  `json:"transport"`
	State         string                  `json:"state"`
	Since         time.Time               `json:"since"`
	Error         string                  `json:"error,omitempty"`
	Tools         int                     `json:"tools"`
	ServerName    string                  `json:"server_name,omitempty"`
	ServerVersion string                  `json:"server_version,omitempty"`
	Health        *connwatch.ServerHealth `json:"health,omitempty"`
}

// ToolStatus describes one registered capability.
type ToolStatus struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Stats summarizes the session for status surfaces.
type Stats struct {
	SessionID       string    `json:"session_id"`
	Started         time.Time `json:"started"`
	Model           string    `json:"model"`
	ServersReady    int       `json:"servers_ready"`
	ServersTotal    int       `json:"servers_total"`
	Tools           int       `json:"tools"`
	Collisions      int       `json:"collisions"`
	QueriesAnswered int64     `json:"queries_answered"`
	LastQuery       time.Time `json:"last_query,omitzero"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
}

// Servers returns the status of every configured server in declaration
// order.
func (s *Session) Servers() []ServerStatus {
	health := s.watch.Status()
	owned := s.registry.CountByServer()

	conns := s.manager.Connections()
	out := make([]ServerStatus, 0, len(conns))
	for _, c := range conns {
		st := ServerStatus{
			Name:      c.Name(),
			Transport: c.Spec().Transport(),
			State:     c.State().String(),
			Since:     c.Since(),
			Tools:     owned[c.Name()],
		}
		if err := c.Err(); err != nil && c.State() == connmgr.StateFailed {
			st.Error = err.Error()
		}
		st.ServerName, st.ServerVersion = c.ServerInfo()
		if h, ok := health[c.Name()]; ok {
			st.Health = &h
		}
		out = append(out, st)
	}
	return out
}

// Tools returns every registered capability in catalog order.
func (s *Session) Tools() []ToolStatus {
	entries := s.registry.Entries()
	out := make([]ToolStatus, len(entries))
	for i, e := range entries {
		out[i] = ToolStatus{
			Name:        e.Name,
			Server:      e.Server,
			Description: e.Description,
			InputSchema: e.InputSchema,
		}
	}
	return out
}

// Collisions returns the capability names one server took from another.
func (s *Session) Collisions() []tools.Collision {
	return s.registry.Collisions()
}

// Stats returns a point-in-time summary.
func (s *Session) Stats() Stats {
	return Stats{
		SessionID:       s.id,
		Started:         s.startedAt,
		Model:           s.cfg.Model.Name,
		ServersReady:    s.ServersReady(),
		ServersTotal:    len(s.cfg.Servers),
		Tools:           s.registry.Len(),
		Collisions:      len(s.registry.Collisions()),
		QueriesAnswered: s.queries.Load(),
		LastQuery:       s.LastQueryTime(),
		InputTokens:     s.inputTokens.Load(),
		OutputTokens:    s.outputTokens.Load(),
	}
}

// Uptime returns how long the session has been running.
func (s *Session) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Model returns the configured model name.
func (s *Session) Model() string { return s.cfg.Model.Name }

// ServersReady returns how many servers are currently Ready.
func (s *Session) ServersReady() int { return len(s.manager.Ready()) }

// ToolCount returns the number of registered capabilities.
func (s *Session) ToolCount() int { return s.registry.Len() }

// QueriesAnswered returns the number of completed queries.
func (s *Session) QueriesAnswered() int64 { return s.queries.Load() }

// LastQueryTime returns when the last query completed, or the zero time.
func (s *Session) LastQueryTime() time.Time {
	n := s.lastQuery.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
