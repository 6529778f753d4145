package scheme

import "context"

func init() {
	Register("dummy", newDummy)
}

// dummy is a loopback transport for tests and for devices that only run
// scripted logic with no real peer: every Write is immediately echoed back
// as a chunk from the fixed remote address "dummy".
type dummy struct {
	onChunk ChunkHandler
}

func newDummy(opts Options) (Transport, error) {
	return &dummy{}, nil
}

func (d *dummy) Start(ctx context.Context, onChunk ChunkHandler) error {
	d.onChunk = onChunk
	return nil
}

func (d *dummy) Write(_ string, data []byte) error {
	if d.onChunk != nil {
		d.onChunk("dummy", data)
	}
	return nil
}

func (d *dummy) Close() error { return nil }
