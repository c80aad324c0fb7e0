// Package archive implements RecordSink (spec.md §4.4): an append-only
// typed row sink owning the archive file's lifecycle. BoltWriter backs it
// with go.etcd.io/bbolt, grounded on moby-moby's bbolt-backed image/store
// persistence (daemon/containerd/image_identity_test.go,
// daemon/images/store_test.go), generalized from "image identity" to
// "observation archive". bbolt's per-bucket, per-row-key layout models the
// HDF5-style table-of-rows schema of spec.md §6, and its default
// fsync-on-commit semantics satisfy "flushes to durable storage at the
// table level before returning" without any extra plumbing.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	hipsrerrs "github.com/telegraphic/hipsr-server/internal/errs"
	"github.com/telegraphic/hipsr-server/internal/spectrum"
	"github.com/telegraphic/hipsr-server/internal/state"
)

const (
	rawQueueSize      = 256
	priorityQueueSize = 64
)

var (
	errClosed    = errors.New("archive: sink closed")
	errQueueFull = errors.New("archive: raw queue full")
)

// RecordSink is the append-only row sink spec.md §4.4 defines.
type RecordSink interface {
	OpenNew(path string, flavour spectrum.Flavour, fw state.FirmwareConfig) error
	Append(rec Record) error
	SetWriteEnabled(enabled bool)
	Close() error
	SafeExit()
}

// BoltWriter implements RecordSink over a single *bbolt.DB. All mutation of
// db is serialised through one consumer goroutine reading priorityCh/rawCh;
// no other component ever touches db directly, per spec.md §3's ownership
// rule.
type BoltWriter struct {
	log     *logrus.Logger
	onCrash func(error)

	mu sync.Mutex
	db *bbolt.DB

	writeEnabled atomic.Bool
	closed       atomic.Bool

	priorityCh chan Record
	rawCh      chan Record
	done       chan struct{}
	wg         sync.WaitGroup

	droppedRaw atomic.Int64
}

// NewBoltWriter builds a BoltWriter. onCrash is invoked (with a
// errs.KindCrash-wrapped cause) if the consumer goroutine recovers from a
// panic; the Supervisor uses it to broadcast shutdown per spec.md §7.
func NewBoltWriter(log *logrus.Logger, onCrash func(error)) *BoltWriter {
	return &BoltWriter{log: log, onCrash: onCrash}
}

// OpenNew creates path, initialises the typed buckets, and writes the
// single FirmwareConfig row (bypassing the write gate), per spec.md §4.4.
// If a file is already open, it is closed first — archive open/close is one
// operation at a time (spec.md §3).
func (w *BoltWriter) OpenNew(path string, flavour spectrum.Flavour, fw state.FirmwareConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db != nil {
		if err := w.closeLocked(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}

	buckets := []string{"firmware_config", "observation", "pointing", "scan_pointing", "weather", "raw_data"}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return putRow(tx, "firmware_config", fw.Fields())
	})
	if err != nil {
		db.Close()
		return err
	}

	w.db = db
	w.writeEnabled.Store(false)
	w.closed.Store(false)
	w.priorityCh = make(chan Record, priorityQueueSize)
	w.rawCh = make(chan Record, rawQueueSize)
	w.done = make(chan struct{})
	w.droppedRaw.Store(0)

	w.wg.Add(1)
	go w.run(db, w.priorityCh, w.rawCh, w.done)
	return nil
}

// SetWriteEnabled gates Append of the RawBeam/Pointing/Observation/
// ScanPointing row types, per spec.md §4.4. Firmware rows bypass it
// entirely (they are written once, synchronously, by OpenNew).
func (w *BoltWriter) SetWriteEnabled(enabled bool) {
	w.writeEnabled.Store(enabled)
}

// Append enqueues rec. RawBeam rows are dropped (with a counted warning)
// rather than blocking if the raw queue is full; every other row type
// blocks the caller until enqueued, per spec.md §4.4/§5.
func (w *BoltWriter) Append(rec Record) error {
	if w.closed.Load() || w.db == nil {
		return hipsrerrs.New(hipsrerrs.KindSinkClosed, "archive", errClosed)
	}
	if !w.writeEnabled.Load() {
		return nil // gated row type, write disabled: silently dropped per spec.md §4.4
	}

	if rec.Kind() == KindRawBeam {
		select {
		case w.rawCh <- rec:
			return nil
		default:
			n := w.droppedRaw.Add(1)
			w.log.WithField("dropped_total", n).Warn("archive: raw beam row dropped, queue full")
			return hipsrerrs.New(hipsrerrs.KindSinkOverflow, "archive", errQueueFull)
		}
	}

	select {
	case w.priorityCh <- rec:
		return nil
	case <-w.done:
		return hipsrerrs.New(hipsrerrs.KindSinkClosed, "archive", errClosed)
	}
}

// Close flushes and releases the archive. Subsequent appends fail with
// SinkClosed.
func (w *BoltWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *BoltWriter) closeLocked() error {
	if w.db == nil || w.closed.Load() {
		return nil
	}
	close(w.done)
	w.wg.Wait()
	err := w.db.Close()
	w.closed.Store(true)
	w.db = nil
	return err
}

// SafeExit closes the sink if open. It never raises and is safe to call
// any number of times, per spec.md §4.4.
func (w *BoltWriter) SafeExit() {
	if err := w.Close(); err != nil && w.log != nil {
		w.log.WithError(err).Error("archive: safeExit close failed")
	}
}

// run is the single consumer serialising all bbolt transactions. A panic
// inside it (e.g. a disk write error surfaced unusually) is converted to a
// Crash event rather than taking down the process, per spec.md §7.
func (w *BoltWriter) run(db *bbolt.DB, priorityCh, rawCh chan Record, done chan struct{}) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			if w.onCrash != nil {
				w.onCrash(hipsrerrs.New(hipsrerrs.KindCrash, "archive", errFromPanic(r)))
			}
		}
	}()

	for {
		// Observation/Pointing/ScanPointing rows have priority over RawBeam.
		select {
		case rec := <-priorityCh:
			w.writeRecord(db, rec)
			continue
		default:
		}

		select {
		case rec := <-priorityCh:
			w.writeRecord(db, rec)
		case rec := <-rawCh:
			w.writeRecord(db, rec)
		case <-done:
			w.drainOnShutdown(db, priorityCh, rawCh)
			return
		}
	}
}

// drainOnShutdown flushes whatever is already queued, up to a bounded
// deadline, before the consumer returns and Close() closes the db.
func (w *BoltWriter) drainOnShutdown(db *bbolt.DB, priorityCh, rawCh chan Record) {
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case rec := <-priorityCh:
			w.writeRecord(db, rec)
		case rec := <-rawCh:
			w.writeRecord(db, rec)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (w *BoltWriter) writeRecord(db *bbolt.DB, rec Record) {
	bucketPath := rec.Kind().bucket()
	if rawRec, ok := rec.(RawBeamRecord); ok {
		if err := putBeamRow(db, rawRec); err != nil {
			w.log.WithError(err).WithField("beam", rawRec.BeamID).Error("archive: raw beam write failed")
		}
		return
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		return putRow(tx, bucketPath, rec.Fields())
	}); err != nil {
		w.log.WithError(err).WithField("bucket", bucketPath).Error("archive: row write failed")
	}
}

func putBeamRow(db *bbolt.DB, rec RawBeamRecord) error {
	return db.Update(func(tx *bbolt.Tx) error {
		parent, err := tx.Bucket([]byte("raw_data")).CreateBucketIfNotExists([]byte(rec.BeamID))
		if err != nil {
			return err
		}
		return putRowInBucket(parent, rec.Fields())
	})
}

func putRow(tx *bbolt.Tx, bucketName string, fields []state.KV) error {
	b := tx.Bucket([]byte(bucketName))
	return putRowInBucket(b, fields)
}

func putRowInBucket(b *bbolt.Bucket, fields []state.KV) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	row := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		row[f.Key] = f.Value
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return b.Put(sequenceKey(seq), payload)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

type panicError struct{ v interface{} }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return err.Error()
	}
	return "panic in archive consumer"
}

func errFromPanic(v interface{}) error { return panicError{v: v} }
