package boards

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPClient implements Client over a persistent register-read/memory-read
// socket to one board. The wire protocol itself (framing, opcodes) is out
// of scope per spec.md §1 ("the physical FPGA wire protocol... abstracted
// as a BoardClient capability"); this implementation sends each read as a
// text line "<op> <name> <nbytes>\n" and reads back exactly nbytes, and
// sends each write as a length-prefixed name followed by a big-endian
// 32-bit value.
type TCPClient struct {
	host string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPClient returns a client that lazily dials host on first use.
func NewTCPClient(host string) *TCPClient {
	return &TCPClient{host: host, dialTimeout: 2 * time.Second}
}

func (c *TCPClient) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.host)
	if err != nil {
		return nil, &Unavailable{Board: c.host, Op: "dial", Cause: err}
	}
	c.conn = conn
	return conn, nil
}

func (c *TCPClient) Probe(ctx context.Context) bool {
	_, err := c.ensureConn(ctx)
	return err == nil
}

func (c *TCPClient) ReadInt(ctx context.Context, name string) (int32, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.sendRequest(conn, "readInt", name, 4); err != nil {
		return 0, err
	}
	buf := make([]byte, 4)
	if err := c.readFull(conn, buf); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

func (c *TCPClient) ReadBlock(ctx context.Context, name string, nbytes int) ([]byte, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.sendRequest(conn, "readBlock", name, nbytes); err != nil {
		return nil, err
	}
	buf := make([]byte, nbytes)
	if err := c.readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *TCPClient) AccumulatorCount(ctx context.Context) (int64, error) {
	v, err := c.ReadInt(ctx, "o_acc_cnt")
	return int64(v), err
}

func (c *TCPClient) WriteInt(ctx context.Context, name string, value int32) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	req := make([]byte, 0, len(name)+5)
	req = append(req, byte(len(name)))
	req = append(req, name...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(value))
	req = append(req, v[:]...)
	if _, err := conn.Write(req); err != nil {
		return &Unavailable{Board: c.host, Op: "writeInt " + name, Cause: err}
	}
	return nil
}

func (c *TCPClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCPClient) sendRequest(conn net.Conn, op, name string, want int) error {
	req := fmt.Sprintf("%s %s %d\n", op, name, want)
	if _, err := conn.Write([]byte(req)); err != nil {
		return &Unavailable{Board: c.host, Op: op + " " + name, Cause: err}
	}
	return nil
}

func (c *TCPClient) readFull(conn net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return &Unavailable{Board: c.host, Op: "read", Cause: err}
		}
		n += m
	}
	return nil
}
