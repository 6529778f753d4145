package scheme

import (
	"context"
	"fmt"
	"net"
	"sync"
)

func init() {
	Register("udp-client", newUDPClient)
	Register("udp-server", newUDPServer)
}

// udpClient sends/receives datagrams to/from a single fixed remote address.
type udpClient struct {
	opts Options

	mu   sync.Mutex
	conn *net.UDPConn
}

func newUDPClient(opts Options) (Transport, error) {
	return &udpClient{opts: opts}, nil
}

func (u *udpClient) Start(ctx context.Context, onChunk ChunkHandler) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.opts.Host, u.opts.Port))
	if err != nil {
		return fmt.Errorf("udp-client resolve: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("udp-client dial: %w", err)
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	go u.readLoop(conn, onChunk)
	return nil
}

func (u *udpClient) readLoop(conn *net.UDPConn, onChunk ChunkHandler) {
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

func (u *udpClient) Write(_ string, data []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("udp-client: not connected")
	}
	_, err := conn.Write(data)
	return err
}

func (u *udpClient) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// udpServer listens on a local UDP port and demultiplexes datagrams per
// sender address.
type udpServer struct {
	opts Options

	mu   sync.Mutex
	conn *net.UDPConn
}

func newUDPServer(opts Options) (Transport, error) {
	return &udpServer{opts: opts}, nil
}

func (u *udpServer) Start(ctx context.Context, onChunk ChunkHandler) error {
	laddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.opts.Host, u.opts.Port))
	if err != nil {
		return fmt.Errorf("udp-server resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udp-server listen: %w", err)
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	go u.readLoop(conn, onChunk)
	return nil
}

func (u *udpServer) readLoop(conn *net.UDPConn, onChunk ChunkHandler) {
	buf := make([]byte, readBufSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if n > 0 {
			onChunk(addr.String(), append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (u *udpServer) Write(remoteAddr string, data []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("udp-server: not listening")
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return fmt.Errorf("udp-server resolve peer %q: %w", remoteAddr, err)
	}
	_, err = conn.WriteToUDP(data, raddr)
	return err
}

func (u *udpServer) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}
