// Package scheme implements the transport-specific drivers behind each
// connection URL scheme named in spec §6 (tcp-client, tcp-server,
// udp-client, udp-server, http-client, http-server, modbus-client,
// modbus-server, secsgem-client, secsgem-server, dummy). Each registers
// itself into a shared constructor registry so internal/protocol can build
// one from a parsed connection URL without a compile-time dependency on
// every scheme.
package scheme

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Options is a device's parsed connectionUrl, per spec §6
// "scheme://host:port[?opt=val(&opt=val)*]".
type Options struct {
	Scheme string
	Host   string
	Port   int
	Query  url.Values
}

// String returns a named query option, or def if absent.
func (o Options) String(name, def string) string {
	if v := o.Query.Get(name); v != "" {
		return v
	}
	return def
}

// Bool returns a named boolean query option, or def if absent/unparseable.
func (o Options) Bool(name string, def bool) bool {
	v := o.Query.Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns a named integer query option, or def if absent/unparseable.
func (o Options) Int(name string, def int) int {
	v := o.Query.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ChunkHandler receives one raw chunk of bytes from remoteAddr (the peer
// address for client schemes, or the sender's address for server schemes
// with more than one concurrent peer).
type ChunkHandler func(remoteAddr string, chunk []byte)

// Transport is what a scheme implementation exposes to the protocol
// engine: start connecting/listening, write to a peer, and tear down.
type Transport interface {
	Start(ctx context.Context, onChunk ChunkHandler) error
	Write(remoteAddr string, data []byte) error
	Close() error
}

// Constructor builds a Transport from a device's parsed connection
// options.
type Constructor func(opts Options) (Transport, error)

var registry = map[string]Constructor{}

// Register adds a scheme constructor under name. Called from each scheme
// file's init().
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New builds a Transport for the named scheme, or ErrUnknownScheme if
// nothing is registered under that name.
func New(name string, opts Options) (Transport, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return ctor(opts)
}

// ErrUnknownScheme is returned by New for a scheme with no registered
// constructor.
var ErrUnknownScheme = fmt.Errorf("unknown connection scheme")

// ParseURL parses a device's connectionUrl into Options.
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Options{}, fmt.Errorf("parse connection url: %w", err)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Options{}, fmt.Errorf("invalid port in connection url: %w", err)
		}
	}
	return Options{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Query:  u.Query(),
	}, nil
}
