package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"go.etcd.io/bbolt"

	"github.com/telegraphic/hipsr-server/internal/archive"
	"github.com/telegraphic/hipsr-server/internal/boardpool"
	"github.com/telegraphic/hipsr-server/internal/boards"
	"github.com/telegraphic/hipsr-server/internal/config"
	"github.com/telegraphic/hipsr-server/internal/control"
	"github.com/telegraphic/hipsr-server/internal/preview"
	"github.com/telegraphic/hipsr-server/internal/spectrum"
	"github.com/telegraphic/hipsr-server/internal/state"
)

type fakeSink struct {
	mu            sync.Mutex
	opened        string
	writeEnabled  bool
	appended      []archive.Record
	safeExitCalls int
}

func (f *fakeSink) OpenNew(path string, flavour spectrum.Flavour, fw state.FirmwareConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = path
	return nil
}

func (f *fakeSink) Append(rec archive.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeSink) SetWriteEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeEnabled = enabled
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) SafeExit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.safeExitCalls++
}

func (f *fakeSink) snapshot() ([]archive.Record, bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]archive.Record, len(f.appended))
	copy(out, f.appended)
	return out, f.writeEnabled, f.safeExitCalls
}

func testFlavour() spectrum.Flavour {
	return spectrum.Flavour{
		Name:        "hipsr_400_8192",
		ArrayLength: 8192,
		XXBlocks:    []string{"xx0"},
		YYBlocks:    []string{"yy0"},
		ReXYBlocks:  []string{"re_xy0"},
		ImXYBlocks:  []string{"im_xy0"},
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// newTestSupervisor builds a Supervisor over a real ControlServer (TCP,
// loopback, ephemeral port), a real Publisher (UDP, loopback), a real
// BoardPool over dummy boards, and a fake in-memory sink so assertions don't
// depend on bbolt file layout.
func newTestSupervisor(t *testing.T, poll time.Duration) (*Supervisor, *fakeSink, net.Conn, *logrustest.Hook, func()) {
	t.Helper()
	sink := &fakeSink{}
	sup, conn, hook, cleanup := newTestSupervisorWithSink(t, poll, sink)
	return sup, sink, conn, hook, cleanup
}

// newTestSupervisorWithSink builds a Supervisor over a real ControlServer
// (TCP, loopback, ephemeral port), a real Publisher (UDP, loopback), and a
// real BoardPool over dummy boards, wired to the given RecordSink — either
// the in-memory fakeSink for assertions that don't care about gating order,
// or a real archive.BoltWriter for tests that must exercise the same
// write-gate path production traffic does.
func newTestSupervisorWithSink(t *testing.T, poll time.Duration, sink archive.RecordSink) (*Supervisor, net.Conn, *logrustest.Hook, func()) {
	t.Helper()
	log := logrus.New()
	hook := logrustest.NewLocal(log)

	cfg := config.Default()
	cfg.TCSServer = "127.0.0.1"
	cfg.TCSPort = 0 // ephemeral; resolved from the listener after Serve binds it
	cfg.DataDir = t.TempDir()

	port := freeUDPPort(t)
	ctx, cancel := context.WithCancel(context.Background())

	pub, err := preview.New(ctx, "127.0.0.1", port, log)
	if err != nil {
		t.Fatalf("preview.New: %v", err)
	}

	srv := control.NewServer(cfg, pub, log, false)

	var boardList []boardpool.Board
	for i := 0; i < 3; i++ {
		d := boards.NewDummyClient("board", 8192, int64(i))
		boardList = append(boardList, boardpool.Board{BeamID: beamName(i), Client: d, Index: i})
	}
	pool := boardpool.New(boardList, time.Millisecond, log)

	refClient := boards.NewDummyClient("ref", 8192, 99)

	crashCh := make(chan error, 1)

	sup := New(Config{
		Log:            log,
		Cfg:            cfg,
		Control:        srv,
		Sink:           sink,
		Preview:        pub,
		Pool:           pool,
		RefClient:      refClient,
		InitialFlavour: testFlavour(),
		PollInterval:   poll,
		CrashCh:        crashCh,
	})

	go srv.Serve(ctx)
	time.Sleep(20 * time.Millisecond) // allow accept loop to bind

	addr := srv.ListenerAddr()
	var conn net.Conn
	if addr != "" {
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial control server: %v", err)
		}
	}

	cleanup := func() {
		if conn != nil {
			conn.Close()
		}
		cancel()
	}
	return sup, conn, hook, cleanup
}

func beamName(i int) string {
	return string(rune('a' + i))
}

func TestPollAdvancesAndAppendsRawBeams(t *testing.T) {
	sup, sink, _, _, cleanup := newTestSupervisor(t, 5*time.Millisecond)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sup.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the last capture's async drain finish

	appended, _, _ := sink.snapshot()
	sawRaw := false
	for _, rec := range appended {
		if rec.Kind() == archive.KindRawBeam {
			sawRaw = true
		}
	}
	if !sawRaw {
		t.Error("expected at least one RawBeam record appended during the run")
	}
}

func TestLateTickIsDroppedWithoutStallingTheLoop(t *testing.T) {
	sup, _, _, hook, cleanup := newTestSupervisor(t, time.Millisecond)
	defer cleanup()

	sup.pool = boardpool.New([]boardpool.Board{
		{BeamID: "slow", Client: boards.NewDummyClient("slow", 8192, 1), Index: 1},
	}, 50*time.Millisecond, sup.log)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = sup.Run(ctx)

	sawLateTick := false
	for _, e := range hook.AllEntries() {
		if e.Message == "supervisor: late tick, previous capture still draining, keeping old accumulator to retry" {
			sawLateTick = true
			break
		}
	}
	if !sawLateTick {
		t.Error("expected at least one late-tick warning logged under a fast poll / slow capture mismatch")
	}
}

func TestKillCommandStopsRunAndSafeExitsOnce(t *testing.T) {
	sup, sink, conn, _, cleanup := newTestSupervisor(t, 10*time.Millisecond)
	defer cleanup()
	if conn == nil {
		t.Skip("control server listener address unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if _, err := conn.Write([]byte("kill\n")); err != nil {
		t.Fatalf("write kill: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on kill", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after kill command")
	}

	_, _, safeExits := sink.snapshot()
	if safeExits != 1 {
		t.Fatalf("safeExitCalls = %d, want 1", safeExits)
	}
}

func TestStartCommandOpensArchiveAndEnablesWrites(t *testing.T) {
	sup, sink, conn, _, cleanup := newTestSupervisor(t, 10*time.Millisecond)
	defer cleanup()
	if conn == nil {
		t.Skip("control server listener address unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go sup.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if _, err := conn.Write([]byte("start\n")); err != nil {
		t.Fatalf("write start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	appended, writeEnabled, _ := sink.snapshot()
	if !writeEnabled {
		t.Error("expected write gate enabled after start")
	}
	sawObservation := false
	for _, rec := range appended {
		if rec.Kind() == archive.KindObservation {
			sawObservation = true
		}
	}
	if !sawObservation {
		t.Error("expected an Observation record appended on start")
	}
}

// boltRowCount reopens path read-only and counts the rows in bucket, so the
// assertion observes exactly what landed on disk rather than what the
// Supervisor merely attempted to append.
func boltRowCount(t *testing.T, path, bucket string) int {
	t.Helper()
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen for inspection: %v", err)
	}
	defer db.Close()
	n := 0
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return n
}

// TestStartCommandPersistsObservationAndPointingWithRealArchive drives a
// real archive.BoltWriter (not fakeSink, which ignores the write gate
// entirely) through a real control.Server and Supervisor, to catch gating
// bugs where Observation/Pointing rows queued on the same "start" command
// that enables writes arrive at the sink before the gate opens and are
// silently dropped.
func TestStartCommandPersistsObservationAndPointingWithRealArchive(t *testing.T) {
	sink := archive.NewBoltWriter(logrus.New(), nil)

	sup, conn, _, cleanup := newTestSupervisorWithSink(t, 10*time.Millisecond, sink)
	defer cleanup()
	defer sink.SafeExit()
	if conn == nil {
		t.Skip("control server listener address unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go sup.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if _, err := conn.Write([]byte("new_file testarchive\n")); err != nil {
		t.Fatalf("write new_file: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := conn.Write([]byte("start\n")); err != nil {
		t.Fatalf("write start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	// The writer holds bbolt's exclusive file lock while open; close it so
	// the read-only inspection below can open the file.
	sink.SafeExit()

	path := findArchiveFile(t, sup.cfg.DataDir)
	if n := boltRowCount(t, path, "observation"); n != 1 {
		t.Errorf("observation rows = %d, want 1 (the gating bug drops this row if write-enable is applied after the appends)", n)
	}
	if n := boltRowCount(t, path, "pointing"); n != 1 {
		t.Errorf("pointing rows = %d, want 1 (the gating bug drops this row if write-enable is applied after the appends)", n)
	}
}

// findArchiveFile locates the single .h5 file start's OpenArchiveEvent
// created under dir, whose exact name is date-stamped and not known ahead of
// time (archive.FileName).
func findArchiveFile(t *testing.T, dir string) string {
	t.Helper()
	var found string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".h5" {
			found = path
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	if found == "" {
		t.Fatalf("no archive file found under %s", dir)
	}
	return found
}

func TestShutdownIsIdempotent(t *testing.T) {
	sup, sink, _, _, cleanup := newTestSupervisor(t, 10*time.Millisecond)
	defer cleanup()

	sup.shutdown()
	sup.shutdown()

	_, _, safeExits := sink.snapshot()
	if safeExits != 1 {
		t.Fatalf("safeExitCalls = %d, want 1 after two shutdown() calls", safeExits)
	}
}
