package collector

import (
	"log/slog"
	"sync"

	"transit/internal/protocol"
	"transit/internal/registry"
)

const maxErrorReports = 20

// ReportSink consumes reports sent by agents. Implementations must be
// safe for concurrent use.
type ReportSink interface {
	HandleReport(id registry.Identity, report protocol.Message)
}

// LogSink writes reports to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "reports")}
}

func (s *LogSink) HandleReport(id registry.Identity, report protocol.Message) {
	switch r := report.(type) {
	case protocol.IdentityReport:
		s.logger.Info("identity report",
			"identity", id.String(),
			"hostname", r.Hostname,
			"ips", r.IPs,
			"pid", r.PID,
			"os", r.OS,
			"arch", r.Arch,
			"version", r.Version,
		)
	case protocol.PackageReport:
		s.logger.Info("package report",
			"identity", id.String(),
			"path", r.Path,
			"bytes", len(r.Content),
			"has_lockfile", r.Lockfile != "",
		)
	case protocol.ErrorReport:
		s.logger.Warn("error report",
			"identity", id.String(),
			"source", r.Source,
			"file", r.File,
			"lines", len(r.Lines),
		)
	}
}

// MultiSink fans a report out to every sink in order.
type MultiSink []ReportSink

func (m MultiSink) HandleReport(id registry.Identity, report protocol.Message) {
	for _, s := range m {
		s.HandleReport(id, report)
	}
}

// AgentReports is the most recent reporting state of one agent.
type AgentReports struct {
	Identity *protocol.IdentityReport         `json:"identity,omitempty"`
	Packages map[string]protocol.PackageReport `json:"packages,omitempty"`
	Errors   []protocol.ErrorReport           `json:"errors,omitempty"`
}

// LatestSink keeps the last identity report, the last report per package
// manifest, and a bounded tail of error reports for each agent. It lives
// only as long as the process.
type LatestSink struct {
	mu     sync.RWMutex
	agents map[registry.Identity]*AgentReports
}

// NewLatestSink creates an empty LatestSink.
func NewLatestSink() *LatestSink {
	return &LatestSink{agents: make(map[registry.Identity]*AgentReports)}
}

func (s *LatestSink) HandleReport(id registry.Identity, report protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		a = &AgentReports{}
		s.agents[id] = a
	}
	switch r := report.(type) {
	case protocol.IdentityReport:
		a.Identity = &r
	case protocol.PackageReport:
		if a.Packages == nil {
			a.Packages = make(map[string]protocol.PackageReport)
		}
		a.Packages[r.Path] = r
	case protocol.ErrorReport:
		a.Errors = append(a.Errors, r)
		if len(a.Errors) > maxErrorReports {
			a.Errors = a.Errors[len(a.Errors)-maxErrorReports:]
		}
	}
}

// Get returns a copy of the stored reports for id.
func (s *LatestSink) Get(id registry.Identity) (AgentReports, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return AgentReports{}, false
	}
	out := AgentReports{Identity: a.Identity}
	if a.Packages != nil {
		out.Packages = make(map[string]protocol.PackageReport, len(a.Packages))
		for k, v := range a.Packages {
			out.Packages[k] = v
		}
	}
	out.Errors = append(out.Errors, a.Errors...)
	return out, true
}
