package scheme

import (
	"context"
	"fmt"
	"net"
	"sync"
)

func init() {
	Register("tcp-client", newTCPClient)
	Register("tcp-server", newTCPServer)
}

const readBufSize = 4096

// tcpClient dials a single remote tcp endpoint and reads chunks until
// closed or the connection drops.
type tcpClient struct {
	opts Options

	mu   sync.Mutex
	conn net.Conn
}

func newTCPClient(opts Options) (Transport, error) {
	return &tcpClient{opts: opts}, nil
}

func (t *tcpClient) Start(ctx context.Context, onChunk ChunkHandler) error {
	addr := fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp-client dial %s: %w", addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn, onChunk)
	return nil
}

func (t *tcpClient) readLoop(conn net.Conn, onChunk ChunkHandler) {
	buf := make([]byte, readBufSize)
	remote := conn.RemoteAddr().String()
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			onChunk(remote, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (t *tcpClient) Write(_ string, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("tcp-client: not connected")
	}
	_, err := conn.Write(data)
	return err
}

func (t *tcpClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// tcpServer listens for inbound connections and demultiplexes chunks per
// remote address; Write requires the peer to have connected first.
type tcpServer struct {
	opts Options

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
}

func newTCPServer(opts Options) (Transport, error) {
	return &tcpServer{opts: opts, conns: map[string]net.Conn{}}, nil
}

func (t *tcpServer) Start(ctx context.Context, onChunk ChunkHandler) error {
	addr := fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp-server listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln, onChunk)
	return nil
}

func (t *tcpServer) acceptLoop(ln net.Listener, onChunk ChunkHandler) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		remote := conn.RemoteAddr().String()
		t.mu.Lock()
		t.conns[remote] = conn
		t.mu.Unlock()
		go t.readLoop(remote, conn, onChunk)
	}
}

func (t *tcpServer) readLoop(remote string, conn net.Conn, onChunk ChunkHandler) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			onChunk(remote, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			t.mu.Lock()
			delete(t.conns, remote)
			t.mu.Unlock()
			return
		}
	}
}

func (t *tcpServer) Write(remoteAddr string, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[remoteAddr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp-server: no connected peer %q", remoteAddr)
	}
	_, err := conn.Write(data)
	return err
}

func (t *tcpServer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for addr, c := range t.conns {
		c.Close()
		delete(t.conns, addr)
	}
	return err
}
