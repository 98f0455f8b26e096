// Package source defines the identity of a remote instrument endpoint and
// the contract the recorder consumes from it.
//
// The transport behind the contract lives in subpackages (rpcsource). The
// recorder and pullers only see Dialer and Conn, so tests substitute fakes.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrConnect wraps failures to establish a connection to a source.
	ErrConnect = errors.New("source: connect failed")
	// ErrFetch wraps failures of a fetch on an established connection.
	ErrFetch = errors.New("source: fetch failed")
	// ErrInvalidID is returned by ParseID for malformed addresses.
	ErrInvalidID = errors.New("source: invalid address")
)

// ID identifies a remote endpoint by host and port. It is comparable and is
// used as the recorder's registry key.
type ID struct {
	Host string
	Port uint16
}

// ParseID parses "host:port".
func ParseID(addr string) (ID, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, addr, err)
	}
	if host == "" {
		return ID{}, fmt.Errorf("%w: %q: empty host", ErrInvalidID, addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return ID{}, fmt.Errorf("%w: %q: bad port", ErrInvalidID, addr)
	}
	return ID{Host: host, Port: uint16(port)}, nil
}

// String returns "host:port", bracketing IPv6 hosts.
func (id ID) String() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(int(id.Port)))
}

// Dialer establishes connections to sources.
type Dialer interface {
	// Dial connects to the source. Failures wrap ErrConnect.
	Dial(ctx context.Context, id ID) (Conn, error)
}

// Conn is an established connection to one source.
type Conn interface {
	// Fetch returns the current values of the requested fields. An empty
	// request asks for every field the source offers. Failures wrap
	// ErrFetch; an empty map with a nil error is a valid, empty result.
	Fetch(ctx context.Context, fields []string) (map[string]any, error)

	// Close releases the connection. It also aborts in-flight fetches.
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, id ID) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, id ID) (Conn, error) { return f(ctx, id) }
