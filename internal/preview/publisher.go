// Package preview implements PreviewPublisher (spec.md §4.5): best-effort,
// lossy JSON-over-UDP fan-out of downsampled spectra and one-shot TCS
// setup notifications.
package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/spectrum"
)

// ringSize is the bounded backlog of spec.md §4.5 ("~130 frames").
const ringSize = 130

// frameWireShape is the outbound {"<beamId>": {"xx":[..],"yy":[..],"timestamp":f}}
// datagram of spec.md §6.
type frameWireShape map[string]beamFrame

type beamFrame struct {
	XX        []uint32 `json:"xx"`
	YY        []uint32 `json:"yy"`
	Timestamp float64  `json:"timestamp"`
}

// BeamPreview pairs a beam id with its PreviewFrame for one integration.
type BeamPreview struct {
	BeamID string
	Frame  spectrum.PreviewFrame
}

// datagram is either a beam frame or a one-shot setup notification.
type datagram struct {
	payload interface{}
}

// Publisher fans out datagrams over a net.PacketConn. It never blocks a
// producer: a bounded ring decouples Publish() from the send goroutine, and
// on transport failure the publisher sleeps briefly and discards its
// backlog rather than retrying indefinitely.
type Publisher struct {
	log  *logrus.Logger
	conn net.PacketConn
	addr net.Addr

	mu      sync.Mutex
	ring    []datagram
	notify  chan struct{}
	closing chan struct{}
	closed  bool
}

// New dials a UDP socket to host:port and starts the send goroutine.
func New(ctx context.Context, host string, port int, log *logrus.Logger) (*Publisher, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("preview: listen: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("preview: resolve %s:%d: %w", host, port, err)
	}
	p := &Publisher{
		log:     log,
		conn:    conn,
		addr:    addr,
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

// Publish enqueues one preview frame. Lossy: under pressure the oldest
// queued frame is dropped first, per spec.md §4.5/§5 ("overflow policy:
// drop oldest").
func (p *Publisher) Publish(bp BeamPreview) {
	p.enqueue(datagram{payload: frameWireShape{
		bp.BeamID: {XX: bp.Frame.XX, YY: bp.Frame.YY, Timestamp: bp.Frame.Timestamp},
	}})
}

// PublishSetup enqueues a one-shot {"<cmd>": "<value>"} notification, used
// for TCS-originated setup events like tcs-frequency/tcs-bandwidth.
func (p *Publisher) PublishSetup(cmd, value string) {
	p.enqueue(datagram{payload: map[string]string{cmd: value}})
}

func (p *Publisher) enqueue(d datagram) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.ring) >= ringSize {
		p.ring = p.ring[1:] // drop oldest
	}
	p.ring = append(p.ring, d)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closing:
			return
		case <-p.notify:
		}
		for {
			d, ok := p.dequeue()
			if !ok {
				break
			}
			if err := p.send(d); err != nil {
				p.log.WithError(err).Warn("preview: send failed, discarding backlog")
				p.discardBacklog()
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (p *Publisher) dequeue() (datagram, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ring) == 0 {
		return datagram{}, false
	}
	d := p.ring[0]
	p.ring = p.ring[1:]
	return d, true
}

func (p *Publisher) discardBacklog() {
	p.mu.Lock()
	p.ring = nil
	p.mu.Unlock()
}

func (p *Publisher) send(d datagram) error {
	b, err := json.Marshal(d.payload)
	if err != nil {
		return err
	}
	_, err = p.conn.WriteTo(b, p.addr)
	return err
}

// Close releases the socket. Safe to call once; further Publish calls are
// no-ops.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closing)
	return p.conn.Close()
}
