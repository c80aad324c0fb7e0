// Package control implements ControlServer (spec.md §4.6): a line-based TCP
// server parsing TCS commands, maintaining the mutable observation/pointing
// state, and emitting lifecycle events to the Supervisor.
//
// The accept-loop/mutex-guarded-state shape is grounded on
// multiverse-hardware-labs-dastard's rpc_server.go (SourceControl: one
// mutable server-side object mutated by command handlers under a lock,
// serving many concurrent clients), adapted here from JSON-RPC framing to
// spec.md's custom line grammar.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telegraphic/hipsr-server/internal/archive"
	"github.com/telegraphic/hipsr-server/internal/config"
	"github.com/telegraphic/hipsr-server/internal/state"
)

// controlEventsCapacity approximates spec.md §5's "unbounded" controlEvents
// queue: Go has no unbounded channel, so a generously sized buffer is used
// instead; AppendEvent/WriteEnableEvent/OpenArchiveEvent sends block past
// this only under pathological backlog, which would indicate the
// Supervisor has stopped draining entirely.
const controlEventsCapacity = 4096

// SetupPublisher is the narrow slice of preview.Publisher ControlServer
// uses directly, per spec.md §5 ("ControlServer for setup notifications").
type SetupPublisher interface {
	PublishSetup(cmd, value string)
}

// Server is the ControlServer of spec.md §4.6.
type Server struct {
	log            *logrus.Logger
	cfg            config.Config
	events         chan Event
	setup          SetupPublisher
	terminator     []byte
	newFileEachObs bool

	listenerMu sync.Mutex
	listener   net.Listener

	mu             sync.Mutex
	obsSetup       state.ObservationSetup
	pointing       state.PointingFix
	scanPointing   state.ScanPointing
	flavourName    string
	archiveOpen    bool
	writeEnabled   bool
	pendingNewFile string
}

// NewServer builds a Server. newFileEachObs mirrors spec.md §9's CLI flag
// that forces a fresh archive file on every start, instead of the
// TCS-controlled new_file command being the only way to roll the file.
func NewServer(cfg config.Config, setup SetupPublisher, log *logrus.Logger, newFileEachObs bool) *Server {
	term := cfg.TCSLineTerm
	if term == "" {
		term = "\n"
	}
	return &Server{
		log:            log,
		cfg:            cfg,
		events:         make(chan Event, controlEventsCapacity),
		setup:          setup,
		terminator:     []byte(term),
		newFileEachObs: newFileEachObs,
		flavourName:    firstFlavour(cfg),
	}
}

func firstFlavour(cfg config.Config) string {
	for name := range cfg.Flavours {
		return name
	}
	return ""
}

// Events returns the read side of the controlEvents queue.
func (s *Server) Events() <-chan Event { return s.events }

// ListenerAddr returns the bound address once Serve has started listening,
// or "" beforehand. Intended for tests that need to dial an ephemeral port.
func (s *Server) ListenerAddr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections on cfg.TCSServer:cfg.TCSPort until ctx is
// cancelled, per spec.md §4.6's multi-client requirement ("accept up to
// any reasonable number of concurrent TCS clients"). Closing a client
// never affects observation state, since state lives on Server, not on
// the per-connection handler.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.TCSServer, s.cfg.TCSPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	s.log.WithField("addr", addr).Info("control: listening for TCS")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				s.log.WithError(err).Warn("control: accept failed")
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Split(splitOnTerminator(s.terminator))
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cmd, value, ok := parseLine(line)
		if !ok {
			s.log.WithField("line", line).Warn("control: malformed command line")
			conn.Write([]byte("ok\n"))
			continue
		}
		reply := s.handleCommand(cmd, value)
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// emit pushes an event, blocking only in the pathological case documented
// on controlEventsCapacity.
func (s *Server) emit(ev Event) { s.events <- ev }

// archivePath resolves the path for the next openNew, honouring a pending
// new_file request or falling back to the project id (archive.FileName
// substitutes "hipsr" when that is empty too); the name is date-stamped.
func (s *Server) archivePath(now time.Time) string {
	base := s.pendingNewFile
	if base == "" {
		base = s.obsSetup.ProjectID
	}
	return archive.FileName(s.cfg.DataDir, base, now)
}
