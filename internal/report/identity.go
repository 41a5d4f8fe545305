package report

import (
	"context"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"time"

	"transit/internal/protocol"
)

// Identity reports who and where the agent is.
type Identity struct {
	sender  Sender
	version string
	logger  *slog.Logger

	// interfaceAddrs is swapped in tests.
	interfaceAddrs func() ([]net.Addr, error)
}

// NewIdentity creates an Identity emitter.
func NewIdentity(sender Sender, version string, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		sender:         sender,
		version:        version,
		logger:         logger.With("component", "identity"),
		interfaceAddrs: net.InterfaceAddrs,
	}
}

// Collect builds the current identity report.
func (i *Identity) Collect() protocol.IdentityReport {
	hostname, err := os.Hostname()
	if err != nil {
		i.logger.Warn("hostname unavailable", "error", err)
	}
	return protocol.IdentityReport{
		Hostname: hostname,
		IPs:      i.addresses(),
		PID:      os.Getpid(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  i.version,
	}
}

// addresses returns the host's non-loopback unicast IPs, sorted.
func (i *Identity) addresses() []string {
	addrs, err := i.interfaceAddrs()
	if err != nil {
		i.logger.Warn("listing interface addresses failed", "error", err)
		return []string{}
	}
	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		ips = append(ips, ip.String())
	}
	sort.Strings(ips)
	return ips
}

// OnOnline sends the identity report on every new connection.
func (i *Identity) OnOnline(reconnects int) {
	if err := send(i.sender, i.logger, i.Collect()); err == nil {
		i.logger.Debug("identity reported", "reconnects", reconnects)
	}
}

func (i *Identity) OnOffline(error) {}

// Run resends the identity report every interval until ctx is done.
// Ticks while the agent is offline are skipped.
func (i *Identity) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send(i.sender, i.logger, i.Collect())
		}
	}
}
