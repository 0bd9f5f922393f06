package rpcserver

import (
	"net"

	deadlock "github.com/deso-protocol/go-deadlock"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/metrics"
)

// admission enforces spec §5's two independent connection counters: a
// global cap and a per-/16-prefix cap. Both must admit or the connection
// is rejected (spec §5 S6 "last is rejected, others unaffected").
type admission struct {
	mu deadlock.Mutex

	maxGlobal int
	maxPrefix int
	global    int
	byPrefix  map[[2]byte]int

	metrics *metrics.Metrics
}

func newAdmission(maxGlobal, maxPrefix int, m *metrics.Metrics) *admission {
	return &admission{
		maxGlobal: maxGlobal,
		maxPrefix: maxPrefix,
		byPrefix:  make(map[[2]byte]int),
		metrics:   m,
	}
}

// accept admits one connection from remoteHost, or rejects it and
// increments the corresponding metric. remoteHost must already have any
// port stripped.
func (a *admission) accept(remoteHost string) bool {
	prefix, ok := slash16(remoteHost)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.global >= a.maxGlobal {
		if a.metrics != nil {
			a.metrics.IncRPCConnectionsRejected("global")
		}
		return false
	}
	if ok && a.byPrefix[prefix] >= a.maxPrefix {
		if a.metrics != nil {
			a.metrics.IncRPCConnectionsRejected("shared_prefix")
		}
		return false
	}

	a.global++
	if ok {
		a.byPrefix[prefix]++
	}
	if a.metrics != nil {
		a.metrics.SetRPCConnectionsActive(a.global)
	}
	return true
}

// release returns one admitted slot for remoteHost.
func (a *admission) release(remoteHost string) {
	prefix, ok := slash16(remoteHost)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.global > 0 {
		a.global--
	}
	if ok {
		if n := a.byPrefix[prefix]; n > 1 {
			a.byPrefix[prefix] = n - 1
		} else {
			delete(a.byPrefix, prefix)
		}
	}
	if a.metrics != nil {
		a.metrics.SetRPCConnectionsActive(a.global)
	}
}

// slash16 extracts the first two octets of an IPv4 address as the /16
// prefix key (spec §5 "per-/16-prefix"); non-IPv4 addresses (including
// IPv6) are exempt from the shared-prefix cap, only the global cap
// applies to them.
func slash16(host string) ([2]byte, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return [2]byte{}, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return [2]byte{}, false
	}
	return [2]byte{v4[0], v4[1]}, true
}
