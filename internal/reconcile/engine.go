// Package reconcile anchors new files from the input directory on the ledger
// and propagates the resulting records to the mirror and the audit log.
//
// A pass works in three phases. Every name in the directory that the audit
// log does not know is digested and anchored. The anchored records are then
// upserted into the mirror, with retries. Only records the mirror confirmed
// are appended to the audit log. Records that were anchored but not confirmed
// stay pending in memory and are retried by the next pass without a new
// append; digests anchored by a process that died before recording them are
// found on the ledger and adopted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/certroot/certroot/internal/audit"
	"github.com/certroot/certroot/internal/ledger"
	"github.com/certroot/certroot/internal/mirror"
)

// ErrPassInProgress is returned by TryRun and TryRebuild while another pass
// holds the engine or the lock file.
var ErrPassInProgress = errors.New("reconcile: pass already in progress")

// persistTimeout bounds the mirror and audit phase. That phase runs even if
// the caller's context is cancelled, since the records are already anchored.
const persistTimeout = 30 * time.Second

// DefaultPassTimeout bounds a pass started by Run when Config.PassTimeout is
// zero.
const DefaultPassTimeout = 30 * time.Minute

// lockRetryDelay is the polling interval while Run waits for the lock file.
const lockRetryDelay = 50 * time.Millisecond

// Digester computes the hex digest of a file.
type Digester interface {
	DigestFile(path string) (string, error)
}

// Ledger is the subset of *ledger.Client the engine needs.
type Ledger interface {
	AppendReceipt(ctx context.Context, hexDigest string) (ledger.Receipt, error)
	Read(ctx context.Context, id uint64) (*ledger.Record, error)
	Find(ctx context.Context, hexDigest string) (uint64, bool, error)
}

// AuditLog is the subset of *audit.Log the engine needs.
type AuditLog interface {
	Load() ([]audit.Record, error)
	Append(recs []audit.Record) error
}

// Config holds reconciliation settings.
type Config struct {
	// InputDir is the flat directory of candidate files.
	InputDir string

	// CheckLedgerBeforeAppend makes the engine search the ledger for every
	// digest the audit log has never seen before anchoring it. When false the
	// ledger is only searched for files left in doubt by a failed append.
	CheckLedgerBeforeAppend bool

	// MirrorRetries is how many times failed mirror upserts are retried
	// within one pass.
	MirrorRetries int

	// MirrorRetryDelay is the pause between mirror retries.
	MirrorRetryDelay time.Duration

	// PassTimeout bounds a pass started by Run. The pass is detached from
	// the caller's cancellation, so every caller sharing it sees it finish.
	PassTimeout time.Duration

	// LockPath is a file locked exclusively for the duration of every pass
	// and rebuild, so that engines in different processes sharing the same
	// audit log never overlap. Empty disables the lock.
	LockPath string
}

// Stage names the step at which a file failed.
type Stage string

const (
	StageStat        Stage = "stat"
	StageDigest      Stage = "digest"
	StageLedgerCheck Stage = "ledger_check"
	StageAnchor      Stage = "anchor"
	StageMirror      Stage = "mirror"
	StageAudit       Stage = "audit"
)

// FileFailure is a per-file error. The file is not recorded and will be
// retried by the next pass.
type FileFailure struct {
	Filename string `json:"filename"`
	Stage    Stage  `json:"stage"`
	Message  string `json:"error"`
	Err      error  `json:"-"`
}

// Summary describes one pass.
type Summary struct {
	PassID          uuid.UUID      `json:"pass_id"`
	Started         time.Time      `json:"started"`
	Finished        time.Time      `json:"finished"`
	Scanned         int            `json:"scanned"`
	Known           int            `json:"known"`
	Anchored        int            `json:"anchored"`
	Adopted         int            `json:"adopted"`
	Pending         int            `json:"pending"`
	MirrorUpserted  int            `json:"mirror_upserted"`
	MirrorModified  int            `json:"mirror_modified"`
	MirrorUnchanged int            `json:"mirror_unchanged"`
	Failed          []FileFailure  `json:"failed"`
	Records         []audit.Record `json:"records"`

	// TxHashes maps recorded filenames to the transaction that anchored them.
	// Adopted entries have none.
	TxHashes map[string]string `json:"tx_hashes,omitempty"`
}

// TxHash returns the anchoring transaction for a file recorded by this pass.
func (s *Summary) TxHash(filename string) string {
	return s.TxHashes[filename]
}

// Recorded reports whether filename was appended to the audit log by this pass.
func (s *Summary) Recorded(filename string) bool {
	for _, r := range s.Records {
		if r.Filename == filename {
			return true
		}
	}
	return false
}

// Engine runs reconciliation passes. At most one pass executes at a time.
type Engine struct {
	cfg      Config
	digester Digester
	ledger   Ledger
	mirror   mirror.Store
	audit    AuditLog
	logger   *zap.Logger

	group    singleflight.Group
	passMu   sync.Mutex
	fileLock *flock.Flock

	// Guarded by passMu.
	pending  map[string]audit.Record
	inDoubt  map[string]string
	txHashes map[string]string

	pendingN atomic.Int64

	lastMu sync.RWMutex
	last   *Summary
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, d Digester, l Ledger, m mirror.Store, a AuditLog, logger *zap.Logger) *Engine {
	if cfg.MirrorRetries < 0 {
		cfg.MirrorRetries = 0
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	e := &Engine{
		cfg:      cfg,
		digester: d,
		ledger:   l,
		mirror:   m,
		audit:    a,
		logger:   logger,
		pending:  make(map[string]audit.Record),
		inDoubt:  make(map[string]string),
		txHashes: make(map[string]string),
	}
	if cfg.LockPath != "" {
		e.fileLock = flock.New(cfg.LockPath)
	}
	return e
}

// Run executes a pass and blocks until it completes, waiting for a pass held
// by another process if necessary. Callers that arrive while a pass started
// by Run is in flight share its result instead of starting another.
//
// The shared pass runs on a context detached from ctx and bounded by
// Config.PassTimeout. Cancelling ctx only stops this caller from waiting.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	ch := e.group.DoChan("pass", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PassTimeout)
		defer cancel()

		e.passMu.Lock()
		defer e.passMu.Unlock()
		unlock, err := e.lockFile(pctx, true)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return e.pass(pctx)
	})
	select {
	case res := <-ch:
		s, _ := res.Val.(*Summary)
		return s, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRun executes a pass unless one is already running in this or another
// process, in which case it returns ErrPassInProgress immediately.
func (e *Engine) TryRun(ctx context.Context) (*Summary, error) {
	if !e.passMu.TryLock() {
		passesTotal.WithLabelValues("skipped").Inc()
		return nil, ErrPassInProgress
	}
	defer e.passMu.Unlock()
	unlock, err := e.lockFile(ctx, false)
	if err != nil {
		if errors.Is(err, ErrPassInProgress) {
			passesTotal.WithLabelValues("skipped").Inc()
		}
		return nil, err
	}
	defer unlock()
	return e.pass(ctx)
}

// lockFile takes the cross-process lock. With wait it polls until the lock is
// free or ctx is done; without it a held lock yields ErrPassInProgress.
func (e *Engine) lockFile(ctx context.Context, wait bool) (func(), error) {
	if e.fileLock == nil {
		return func() {}, nil
	}
	var (
		ok  bool
		err error
	)
	if wait {
		ok, err = e.fileLock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = e.fileLock.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", e.cfg.LockPath, err)
	}
	if !ok {
		return nil, ErrPassInProgress
	}
	return func() {
		if err := e.fileLock.Unlock(); err != nil {
			e.logger.Error("release reconcile lock", zap.String("path", e.cfg.LockPath), zap.Error(err))
		}
	}, nil
}

// Last returns the summary of the most recent completed pass, or nil.
func (e *Engine) Last() *Summary {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last
}

// PendingCount returns the number of anchored records awaiting confirmation
// as of the end of the most recent pass. It never waits for a running pass.
func (e *Engine) PendingCount() int {
	return int(e.pendingN.Load())
}

func (e *Engine) pass(ctx context.Context) (*Summary, error) {
	s := &Summary{PassID: uuid.New(), Started: time.Now().UTC()}
	log := e.logger.With(zap.String("pass_id", s.PassID.String()))

	batch, err := e.anchorNew(ctx, s, log)
	if err != nil {
		e.pendingN.Store(int64(len(e.pending)))
		s.Finished = time.Now().UTC()
		recordPass(s, err)
		log.Error("reconcile pass aborted", zap.Error(err))
		return s, err
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	e.persist(pctx, s, batch, log)

	s.Pending = len(e.pending)
	e.pendingN.Store(int64(s.Pending))
	s.Finished = time.Now().UTC()
	recordPass(s, nil)

	e.lastMu.Lock()
	e.last = s
	e.lastMu.Unlock()

	log.Info("reconcile pass complete",
		zap.Int("new_files", len(s.Records)),
		zap.Int("scanned", s.Scanned),
		zap.Int("known", s.Known),
		zap.Int("anchored", s.Anchored),
		zap.Int("adopted", s.Adopted),
		zap.Int("failed", len(s.Failed)),
		zap.Int("pending", s.Pending),
		zap.Duration("elapsed", s.Finished.Sub(s.Started)),
	)
	return s, nil
}

// claims tracks the digests and record ids already accounted for by the
// audit log, the pending set and the current pass.
type claims struct {
	digests map[string]struct{}
	ids     map[uint64]struct{}
}

func (c claims) add(r audit.Record) {
	c.digests[r.Digest] = struct{}{}
	c.ids[r.RecordID] = struct{}{}
}

// anchorNew scans the input directory and anchors every file the audit log
// does not know. It returns the records to persist: earlier pending records
// first, then this pass's in directory order.
func (e *Engine) anchorNew(ctx context.Context, s *Summary, log *zap.Logger) ([]audit.Record, error) {
	known, err := e.audit.Load()
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	knownNames := make(map[string]struct{}, len(known))
	cl := claims{
		digests: make(map[string]struct{}, len(known)+len(e.pending)),
		ids:     make(map[uint64]struct{}, len(known)+len(e.pending)),
	}
	for _, r := range known {
		knownNames[r.Filename] = struct{}{}
		cl.add(r)
	}

	batch := make([]audit.Record, 0, len(e.pending))
	for name, r := range e.pending {
		if _, dup := knownNames[name]; dup {
			delete(e.pending, name)
			delete(e.txHashes, name)
			continue
		}
		cl.add(r)
		batch = append(batch, r)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].RecordID < batch[j].RecordID })

	entries, err := os.ReadDir(e.cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}

	for _, ent := range entries {
		name := ent.Name()
		if Skip(name) {
			continue
		}
		path := filepath.Join(e.cfg.InputDir, name)
		info, err := os.Stat(path)
		if err != nil {
			e.fail(s, log, name, StageStat, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		s.Scanned++

		if _, ok := knownNames[name]; ok {
			s.Known++
			continue
		}
		if _, ok := e.pending[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.fail(s, log, name, StageAnchor, err)
			continue
		}

		hexDigest, err := e.digester.DigestFile(path)
		if err != nil {
			e.fail(s, log, name, StageDigest, err)
			continue
		}

		rec, adopted, err := e.anchor(ctx, s, name, hexDigest, cl, log)
		if err != nil {
			continue
		}
		if adopted {
			s.Adopted++
		} else {
			s.Anchored++
		}
		cl.add(rec)
		e.pending[name] = rec
		batch = append(batch, rec)
	}
	return batch, nil
}

// anchor appends hexDigest for name, or adopts an existing ledger entry when
// the digest may already have been anchored without being recorded. An entry
// is adopted only if no other record owns its id.
func (e *Engine) anchor(ctx context.Context, s *Summary, name, hexDigest string, cl claims, log *zap.Logger) (audit.Record, bool, error) {
	rec := audit.Record{Filename: name, Digest: hexDigest}

	_, seen := cl.digests[hexDigest]
	_, doubtful := e.inDoubt[name]
	if doubtful || (e.cfg.CheckLedgerBeforeAppend && !seen) {
		id, found, err := e.ledger.Find(ctx, hexDigest)
		if err != nil {
			e.fail(s, log, name, StageLedgerCheck, err)
			return rec, false, err
		}
		if _, owned := cl.ids[id]; found && !owned {
			rec.RecordID = id
			delete(e.inDoubt, name)
			log.Warn("adopting ledger entry that was anchored but never recorded",
				zap.String("filename", name),
				zap.String("digest", hexDigest),
				zap.Uint64("record_id", id),
			)
			return rec, true, nil
		}
	}

	rcpt, err := e.ledger.AppendReceipt(ctx, hexDigest)
	if err != nil {
		// The transaction may have landed. Search the ledger before the
		// next attempt at this file.
		e.inDoubt[name] = hexDigest
		e.fail(s, log, name, StageAnchor, err)
		return rec, false, err
	}
	delete(e.inDoubt, name)
	rec.RecordID = rcpt.RecordID
	if rcpt.TxHash != "" {
		e.txHashes[name] = rcpt.TxHash
	}
	log.Info("file anchored",
		zap.String("filename", name),
		zap.String("digest", hexDigest),
		zap.Uint64("record_id", rcpt.RecordID),
		zap.String("tx_hash", rcpt.TxHash),
	)
	return rec, false, nil
}

// persist upserts batch into the mirror, retrying failures, and appends the
// confirmed records to the audit log.
func (e *Engine) persist(ctx context.Context, s *Summary, batch []audit.Record, log *zap.Logger) {
	if len(batch) == 0 {
		return
	}

	remaining := make([]mirror.FileRecord, len(batch))
	for i, r := range batch {
		remaining[i] = mirror.FileRecord{Filename: r.Filename, Digest: r.Digest, RecordID: r.RecordID}
	}

	confirmed := make(map[string]struct{}, len(batch))
	var lastErrs map[string]error
retry:
	for attempt := 0; attempt <= e.cfg.MirrorRetries && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				break retry
			case <-time.After(e.cfg.MirrorRetryDelay):
			}
			log.Debug("retrying mirror upserts", zap.Int("attempt", attempt), zap.Int("remaining", len(remaining)))
		}

		res := e.mirror.UpsertBatch(ctx, remaining)
		s.MirrorUpserted += res.Upserted
		s.MirrorModified += res.Modified
		s.MirrorUnchanged += res.Unchanged
		for _, c := range res.Confirmed {
			confirmed[c.Filename] = struct{}{}
		}

		lastErrs = make(map[string]error, len(res.Failed))
		remaining = remaining[:0]
		for _, f := range res.Failed {
			lastErrs[f.Record.Filename] = f.Err
			remaining = append(remaining, f.Record)
		}
	}

	var toAudit []audit.Record
	for _, r := range batch {
		if _, ok := confirmed[r.Filename]; ok {
			toAudit = append(toAudit, r)
			continue
		}
		e.fail(s, log, r.Filename, StageMirror, lastErrs[r.Filename])
	}
	if len(toAudit) == 0 {
		return
	}

	if err := e.audit.Append(toAudit); err != nil {
		for _, r := range toAudit {
			e.fail(s, log, r.Filename, StageAudit, err)
		}
		return
	}
	for _, r := range toAudit {
		delete(e.pending, r.Filename)
		if h, ok := e.txHashes[r.Filename]; ok {
			if s.TxHashes == nil {
				s.TxHashes = make(map[string]string, len(toAudit))
			}
			s.TxHashes[r.Filename] = h
			delete(e.txHashes, r.Filename)
		}
	}
	s.Records = toAudit
}

func (e *Engine) fail(s *Summary, log *zap.Logger, name string, stage Stage, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	log.Warn("reconcile: file skipped",
		zap.String("filename", name),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
	s.Failed = append(s.Failed, FileFailure{Filename: name, Stage: stage, Message: err.Error(), Err: err})
}

// Skip reports whether a directory entry name is never a candidate: hidden
// files and uploads still being written.
func Skip(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".tmp")
}
