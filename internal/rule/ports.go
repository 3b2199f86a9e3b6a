package rule

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
)

// PortAllocator hands out free local ports for per-rule HTTP proxy
// listeners. It is an interface so provisioning can be driven in tests
// without touching real sockets.
type PortAllocator interface {
	Allocate() (int, error)
}

// EphemeralAllocator asks the OS for an ephemeral port by binding a
// loopback listener to port 0, reading the assigned port, and closing the
// listener again. The port can be claimed by another process between the
// close and the real listener's bind; that race is accepted and not
// retried.
type EphemeralAllocator struct {
	// Addr is the bind address probed for a free port. Defaults to
	// "127.0.0.1:0".
	Addr string
}

func (a *EphemeralAllocator) Allocate() (int, error) {
	addr := a.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("release %s: %w", ln.Addr(), err)
	}
	return port, nil
}

// KeySource produces per-rule credentials. Injected into the provisioner
// so tests can make key generation deterministic.
type KeySource interface {
	NewKey() (string, error)
}

// RandomKeySource draws 16 bytes from crypto/rand per key.
type RandomKeySource struct{}

func (RandomKeySource) NewKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
