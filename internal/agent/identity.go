package agent

import (
	"net"
	"os"
	"path/filepath"
)

// ServiceInfoProvider supplies service identity when it isn't fully pinned
// down by explicit configuration, e.g. a host framework that already knows
// its own bind address. Consulted after explicit config and before platform
// introspection (§4.5 step 1).
type ServiceInfoProvider interface {
	ServiceName() string
	Host() string
	Port() int
}

// identity is the resolved service identity an Agent registers with.
type identity struct {
	serviceName string
	host        string
	port        int
}

var wildcardHosts = map[string]struct{}{
	"0.0.0.0": {},
	"::":      {},
	"*":       {},
	"+":       {},
}

// resolveIdentity implements the precedence order from §4.5 step 1: explicit
// configuration wins outright; anything left unset falls through to
// provider, then platform introspection. A wildcard host is resolved to the
// first non-loopback IPv4 address, or to 127.0.0.1 when there is none.
func resolveIdentity(cfg Config, provider ServiceInfoProvider) (identity, error) {
	id := identity{
		serviceName: cfg.ServiceName,
		host:        cfg.Host,
		port:        cfg.Port,
	}

	if provider != nil {
		if id.serviceName == "" {
			id.serviceName = provider.ServiceName()
		}
		if id.host == "" {
			id.host = provider.Host()
		}
		if id.port == 0 {
			id.port = provider.Port()
		}
	}

	if id.serviceName == "" {
		id.serviceName = introspectServiceName()
	}
	if id.host == "" {
		id.host = "0.0.0.0"
	}

	if _, wildcard := wildcardHosts[id.host]; wildcard {
		resolved, err := firstNonLoopbackIPv4()
		if err != nil {
			return identity{}, err
		}
		id.host = resolved
	}

	return id, nil
}

// introspectServiceName derives a service name from the running program
// when neither explicit configuration nor a ServiceInfoProvider supplied
// one, per §4.5 step 1's "entry program name" fallback.
func introspectServiceName() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown-service"
	}
	base := filepath.Base(exe)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

// firstNonLoopbackIPv4 returns the first non-loopback IPv4 address bound to
// any local interface, used to substitute a wildcard bind host. It returns
// 127.0.0.1 when no interface has one.
func firstNonLoopbackIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "127.0.0.1", nil
}
