package scheme

import (
	"context"
	"fmt"
)

// No codec for Modbus or SECS/GEM exists anywhere in the example corpus;
// rather than hand-roll one, these always fail to dial so a device
// configured with one of these schemes runs the normal CONNECTING ->
// CONNECTION_FAIL retry path instead of silently doing nothing.
func init() {
	Register("modbus-client", newUnimplemented("modbus-client"))
	Register("modbus-server", newUnimplemented("modbus-server"))
	Register("secsgem-client", newUnimplemented("secsgem-client"))
	Register("secsgem-server", newUnimplemented("secsgem-server"))
}

func newUnimplemented(name string) Constructor {
	return func(opts Options) (Transport, error) {
		return &unimplemented{name: name}, nil
	}
}

type unimplemented struct {
	name string
}

func (u *unimplemented) Start(ctx context.Context, onChunk ChunkHandler) error {
	return fmt.Errorf("%s: %w", u.name, errNotImplemented)
}

func (u *unimplemented) Write(string, []byte) error {
	return fmt.Errorf("%s: %w", u.name, errNotImplemented)
}

func (u *unimplemented) Close() error { return nil }

var errNotImplemented = fmt.Errorf("driver not implemented")
