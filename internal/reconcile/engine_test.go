package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/audit"
	"github.com/certroot/certroot/internal/digest"
	"github.com/certroot/certroot/internal/ledger"
	"github.com/certroot/certroot/internal/mirror"
	"github.com/certroot/certroot/internal/reconcile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ctx = context.Background()

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

// countingLedger counts appends and can hold them until released.
type countingLedger struct {
	*ledger.Client
	appends atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (c *countingLedger) AppendReceipt(ctx context.Context, d string) (ledger.Receipt, error) {
	c.appends.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	return c.Client.AppendReceipt(ctx, d)
}

type fixture struct {
	dir     string
	backend *ledger.MemoryLedger
	ledger  *countingLedger
	mirror  *mirror.MemoryStore
	audit   *audit.Log
	engine  *reconcile.Engine
}

func newFixture(t *testing.T, cfg reconcile.Config, opts ...func(*fixture)) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		dir:     filepath.Join(root, "files"),
		backend: ledger.NewMemoryLedger(),
		mirror:  mirror.NewMemoryStore(),
		audit:   audit.NewLog(filepath.Join(root, "output.csv"), zap.NewNop()),
	}
	if err := os.Mkdir(f.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	f.ledger = &countingLedger{Client: ledger.NewClient(f.backend, time.Second, zap.NewNop())}
	for _, o := range opts {
		o(f)
	}
	cfg.InputDir = f.dir
	f.engine = reconcile.NewEngine(cfg, sha256Engine(t), f.ledger, f.mirror, f.audit, zap.NewNop())
	return f
}

func sha256Engine(t *testing.T) *digest.Engine {
	t.Helper()
	e, err := digest.New(digest.SHA256, 0)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) count(t *testing.T) uint64 {
	t.Helper()
	n, err := f.backend.TotalRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestRun_anchorsMirrorsAndRecords(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Anchored != 1 || len(s.Records) != 1 || len(s.Failed) != 0 {
		t.Fatalf("summary: %+v", s)
	}

	want := audit.Record{Filename: "a.txt", Digest: helloSHA256, RecordID: 0}
	if s.Records[0] != want {
		t.Errorf("record: got %+v, want %+v", s.Records[0], want)
	}

	recs, err := f.audit.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0] != want {
		t.Errorf("audit log: got %+v", recs)
	}

	m, err := f.mirror.FindByDigest(ctx, helloSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if m.Filename != "a.txt" || m.RecordID != 0 {
		t.Errorf("mirror: got %+v", m)
	}

	entry, err := f.ledger.Read(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Digest != helloSHA256 {
		t.Errorf("ledger digest: got %s", entry.Digest)
	}
	if !s.Recorded("a.txt") || s.Recorded("b.txt") {
		t.Error("Recorded reports the wrong files")
	}
	if f.engine.Last() != s {
		t.Error("Last should return the most recent summary")
	}
}

func TestRun_idempotent(t *testing.T) {
	f := newFixture(t, reconcile.Config{CheckLedgerBeforeAppend: true})
	f.write(t, "a.txt", "hello")
	f.write(t, "b.txt", "world")

	if _, err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.count(t)

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.count(t) - before; got != 0 {
		t.Errorf("second pass anchored %d entries, want 0", got)
	}
	if s.Known != 2 || s.Anchored != 0 || len(s.Records) != 0 {
		t.Errorf("second pass summary: %+v", s)
	}
}

func TestRun_auditedFileNeverResubmitted(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")
	if _, err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Lose the mirror's copy, then re-add it.
	if err := f.mirror.Delete(ctx, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mirror.Upsert(ctx, mirror.FileRecord{Filename: "a.txt", Digest: helloSHA256}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.ledger.appends.Load(); n != 1 {
		t.Errorf("appends: got %d, want 1", n)
	}
}

// failingDigester fails for one filename.
type failingDigester struct {
	*digest.Engine
	fail string
}

func (d failingDigester) DigestFile(path string) (string, error) {
	if filepath.Base(path) == d.fail {
		return "", fmt.Errorf("%w: simulated read failure", digest.ErrIO)
	}
	return d.Engine.DigestFile(path)
}

func TestRun_digestFailureIsolated(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "file1", "one")
	f.write(t, "file2", "two")
	f.write(t, "file3", "three")

	eng := reconcile.NewEngine(reconcile.Config{InputDir: f.dir},
		failingDigester{Engine: sha256Engine(t), fail: "file2"},
		f.ledger, f.mirror, f.audit, zap.NewNop())

	s, err := eng.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Anchored != 2 {
		t.Errorf("anchored: got %d, want 2", s.Anchored)
	}
	if len(s.Failed) != 1 || s.Failed[0].Filename != "file2" || s.Failed[0].Stage != reconcile.StageDigest {
		t.Fatalf("failed: got %+v", s.Failed)
	}
	if !errors.Is(s.Failed[0].Err, digest.ErrIO) {
		t.Errorf("failure should wrap ErrIO, got %v", s.Failed[0].Err)
	}

	known, err := f.audit.KnownFilenames()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := known["file2"]; ok {
		t.Error("file2 must not be in the audit log")
	}
	if len(known) != 2 {
		t.Errorf("audit log: got %v", known)
	}

	// file2 is retried once it becomes readable.
	s, err = f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Anchored != 1 || !s.Recorded("file2") {
		t.Errorf("retry pass: %+v", s)
	}
}

func TestRun_recordIDsFollowLexicalOrder(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "c", "3")
	f.write(t, "a", "1")
	f.write(t, "b", "2")

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if s.Records[i].Filename != want || s.Records[i].RecordID != uint64(i) {
			t.Errorf("record %d: got %+v", i, s.Records[i])
		}
	}
}

func TestRun_sameContentDifferentNamesBothAnchored(t *testing.T) {
	f := newFixture(t, reconcile.Config{CheckLedgerBeforeAppend: true})
	f.write(t, "a.txt", "hello")
	f.write(t, "copy.txt", "hello")

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Anchored != 2 || s.Adopted != 0 || len(s.Records) != 2 {
		t.Fatalf("summary: %+v", s)
	}
	m, err := f.mirror.FindByDigest(ctx, helloSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if m.Filename != "a.txt" {
		t.Errorf("digest should resolve to the earliest record, got %+v", m)
	}
}

func TestRun_skipsHiddenPartialAndDirectories(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, ".hidden", "x")
	f.write(t, "upload.pdf.part", "x")
	f.write(t, "scratch.tmp", "x")
	f.write(t, "real.txt", "x")
	if err := os.Mkdir(filepath.Join(f.dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Scanned != 1 || len(s.Records) != 1 || s.Records[0].Filename != "real.txt" {
		t.Errorf("summary: %+v", s)
	}
}

func TestRun_concurrentCallersAppendOnce(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")
	f.ledger.entered = make(chan struct{}, 1)
	f.ledger.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*reconcile.Summary, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.engine.Run(ctx)
			if err != nil {
				t.Error(err)
			}
			results[i] = s
		}(i)
	}

	<-f.ledger.entered
	time.Sleep(20 * time.Millisecond)
	close(f.ledger.release)
	wg.Wait()

	if n := f.ledger.appends.Load(); n != 1 {
		t.Errorf("appends: got %d, want 1", n)
	}
	if got := f.count(t); got != 1 {
		t.Errorf("ledger entries: got %d, want 1", got)
	}
}

func TestTryRun_rejectsWhilePassRuns(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")
	f.ledger.entered = make(chan struct{}, 1)
	f.ledger.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(ctx)
		done <- err
	}()
	<-f.ledger.entered

	if _, err := f.engine.TryRun(ctx); !errors.Is(err, reconcile.ErrPassInProgress) {
		t.Errorf("expected ErrPassInProgress, got %v", err)
	}
	close(f.ledger.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	s, err := f.engine.TryRun(ctx)
	if err != nil {
		t.Fatalf("TryRun after pass: %v", err)
	}
	if s.Known != 1 || s.Anchored != 0 {
		t.Errorf("summary: %+v", s)
	}
}

// flakyMirror fails upserts for a filename a fixed number of times.
type flakyMirror struct {
	*mirror.MemoryStore
	mu       sync.Mutex
	failures map[string]int
}

func (m *flakyMirror) Upsert(ctx context.Context, rec mirror.FileRecord) (mirror.Outcome, error) {
	m.mu.Lock()
	if m.failures[rec.Filename] > 0 {
		m.failures[rec.Filename]--
		m.mu.Unlock()
		return 0, errors.New("mirror unavailable")
	}
	m.mu.Unlock()
	return m.MemoryStore.Upsert(ctx, rec)
}

func (m *flakyMirror) UpsertBatch(ctx context.Context, recs []mirror.FileRecord) mirror.BatchResult {
	return mirror.UpsertEach(ctx, m, recs)
}

func TestRun_mirrorFailureGatesAuditAndRetriesWithoutReanchoring(t *testing.T) {
	fm := &flakyMirror{MemoryStore: mirror.NewMemoryStore(), failures: map[string]int{"b.txt": 2}}
	f := newFixture(t, reconcile.Config{MirrorRetries: 1})
	f.engine = reconcile.NewEngine(reconcile.Config{InputDir: f.dir, MirrorRetries: 1},
		sha256Engine(t), f.ledger, fm, f.audit, zap.NewNop())
	f.write(t, "a.txt", "hello")
	f.write(t, "b.txt", "world")
	f.write(t, "c.txt", "again")

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Anchored != 3 {
		t.Errorf("anchored: got %d, want 3", s.Anchored)
	}
	if len(s.Failed) != 1 || s.Failed[0].Stage != reconcile.StageMirror {
		t.Fatalf("failed: %+v", s.Failed)
	}
	if s.Pending != 1 || f.engine.PendingCount() != 1 {
		t.Errorf("pending: got %d", s.Pending)
	}
	known, _ := f.audit.KnownFilenames()
	if _, ok := known["b.txt"]; ok || len(known) != 2 {
		t.Errorf("audit log must only hold mirror-confirmed files, got %v", known)
	}

	s, err = f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n := f.ledger.appends.Load(); n != 3 {
		t.Errorf("appends: got %d, want 3 (pending record must not be re-anchored)", n)
	}
	if !s.Recorded("b.txt") || s.Pending != 0 {
		t.Errorf("second pass: %+v", s)
	}
	recs, _ := f.audit.Load()
	if recs[2].Filename != "b.txt" || recs[2].RecordID != 1 {
		t.Errorf("b.txt should keep record id 1, got %+v", recs[2])
	}
}

func TestRun_adoptsDanglingAnchor(t *testing.T) {
	f := newFixture(t, reconcile.Config{CheckLedgerBeforeAppend: true})

	// A previous process anchored the file and died before recording it.
	prior := ledger.NewClient(f.backend, time.Second, zap.NewNop())
	if _, err := prior.Append(ctx, helloSHA256); err != nil {
		t.Fatal(err)
	}
	f.write(t, "a.txt", "hello")

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Adopted != 1 || s.Anchored != 0 {
		t.Errorf("summary: %+v", s)
	}
	if n := f.ledger.appends.Load(); n != 0 {
		t.Errorf("appends: got %d, want 0", n)
	}
	if got := f.count(t); got != 1 {
		t.Errorf("ledger entries: got %d, want 1", got)
	}
	if len(s.Records) != 1 || s.Records[0].RecordID != 0 {
		t.Errorf("records: %+v", s.Records)
	}
	if h := s.TxHash("a.txt"); h != "" {
		t.Errorf("adopted entry has no known transaction, got %q", h)
	}
}

// landedTimeoutLedger reports a timeout for the first append even though
// the entry was stored.
type landedTimeoutLedger struct {
	*ledger.Client
	appends int
}

func (l *landedTimeoutLedger) AppendReceipt(ctx context.Context, d string) (ledger.Receipt, error) {
	l.appends++
	rcpt, err := l.Client.AppendReceipt(ctx, d)
	if err != nil || l.appends > 1 {
		return rcpt, err
	}
	return ledger.Receipt{}, fmt.Errorf("%w after 1s: receipt not seen", ledger.ErrLedgerTimeout)
}

func TestRun_timeoutLeavesFileInDoubtAndAdoptsLandedEntry(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	lt := &landedTimeoutLedger{Client: ledger.NewClient(f.backend, time.Second, zap.NewNop())}
	eng := reconcile.NewEngine(reconcile.Config{InputDir: f.dir}, sha256Engine(t), lt, f.mirror, f.audit, zap.NewNop())
	f.write(t, "a.txt", "hello")

	s, err := eng.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Failed) != 1 || !errors.Is(s.Failed[0].Err, ledger.ErrLedgerTimeout) {
		t.Fatalf("failed: %+v", s.Failed)
	}
	if n, _ := f.audit.Count(); n != 0 {
		t.Errorf("timed-out file must not be recorded, audit has %d rows", n)
	}

	s, err = eng.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Adopted != 1 || lt.appends != 1 {
		t.Errorf("second pass should adopt the landed entry: %+v, appends=%d", s, lt.appends)
	}
	if got := f.count(t); got != 1 {
		t.Errorf("ledger entries: got %d, want 1", got)
	}
}

func TestRun_malformedAuditLogAbortsPass(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	if err := os.WriteFile(f.audit.Path(), []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.write(t, "a.txt", "hello")

	if _, err := f.engine.Run(ctx); !errors.Is(err, audit.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if n := f.ledger.appends.Load(); n != 0 {
		t.Errorf("nothing may be anchored without a readable audit log, got %d appends", n)
	}
}

func TestRun_missingInputDir(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	if err := os.Remove(f.dir); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Run(ctx); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestRebuild_restoresMirrorAndReportsFaults(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")
	f.write(t, "b.txt", "world")
	if _, err := f.engine.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Tamper with the audit log: b.txt now claims a digest the ledger never saw.
	recs, _ := f.audit.Load()
	tampered := audit.NewLog(f.audit.Path()+".alt", zap.NewNop())
	recs[1].Digest = fmt.Sprintf("%064x", 99)
	if err := tampered.Append(recs); err != nil {
		t.Fatal(err)
	}

	fresh := mirror.NewMemoryStore()
	eng := reconcile.NewEngine(reconcile.Config{InputDir: f.dir}, sha256Engine(t), f.ledger, fresh, tampered, zap.NewNop())
	rs, err := eng.Rebuild(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.Records != 2 || rs.Upserted != 1 || len(rs.Faults) != 1 {
		t.Fatalf("rebuild: %+v", rs)
	}
	if rs.Faults[0].Filename != "b.txt" || rs.Faults[0].ChainDigest == "" {
		t.Errorf("fault: %+v", rs.Faults[0])
	}
	if _, err := fresh.FindByFilename(ctx, "b.txt"); !errors.Is(err, mirror.ErrNotFound) {
		t.Error("faulted record must not be written to the mirror")
	}
	if got, err := fresh.FindByFilename(ctx, "a.txt"); err != nil || got.RecordID != 0 {
		t.Errorf("a.txt: got %+v, %v", got, err)
	}
}

func TestSkip(t *testing.T) {
	cases := map[string]bool{
		"a.txt":        false,
		".DS_Store":    true,
		"big.iso.part": true,
		"x.tmp":        true,
		"notes.tmpl":   false,
	}
	for name, want := range cases {
		if got := reconcile.Skip(name); got != want {
			t.Errorf("Skip(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRun_reportsAnchoringTxHash(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")

	s, err := f.engine.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h := s.TxHash("a.txt"); len(h) != 66 || h[:2] != "0x" {
		t.Errorf("tx hash: got %q", h)
	}
	if h := s.TxHash("missing.txt"); h != "" {
		t.Errorf("unrecorded file should have no tx hash, got %q", h)
	}
}

func TestRun_lockFileExcludesEngineOfAnotherProcess(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	lock := f.audit.Path() + ".lock"
	f.engine = reconcile.NewEngine(reconcile.Config{InputDir: f.dir, LockPath: lock},
		sha256Engine(t), f.ledger, f.mirror, f.audit, zap.NewNop())

	// A second engine over the same files, as a separate CLI process would build.
	otherLedger := &countingLedger{Client: ledger.NewClient(f.backend, time.Second, zap.NewNop())}
	other := reconcile.NewEngine(reconcile.Config{InputDir: f.dir, LockPath: lock, CheckLedgerBeforeAppend: true},
		sha256Engine(t), otherLedger, mirror.NewMemoryStore(), audit.NewLog(f.audit.Path(), zap.NewNop()), zap.NewNop())

	f.write(t, "a.txt", "hello")
	f.ledger.entered = make(chan struct{}, 1)
	f.ledger.release = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(ctx)
		first <- err
	}()
	<-f.ledger.entered

	if _, err := other.TryRun(ctx); !errors.Is(err, reconcile.ErrPassInProgress) {
		t.Errorf("TryRun: expected ErrPassInProgress, got %v", err)
	}
	if _, err := other.TryRebuild(ctx); !errors.Is(err, reconcile.ErrPassInProgress) {
		t.Errorf("TryRebuild: expected ErrPassInProgress, got %v", err)
	}

	type result struct {
		s   *reconcile.Summary
		err error
	}
	waiting := make(chan result, 1)
	go func() {
		s, err := other.Run(ctx)
		waiting <- result{s, err}
	}()
	time.Sleep(100 * time.Millisecond)
	close(f.ledger.release)

	if err := <-first; err != nil {
		t.Fatal(err)
	}
	res := <-waiting
	if res.err != nil {
		t.Fatalf("waiting Run: %v", res.err)
	}
	if res.s.Known != 1 || res.s.Anchored != 0 || res.s.Adopted != 0 {
		t.Errorf("second engine should find the file already recorded: %+v", res.s)
	}
	if n := otherLedger.appends.Load(); n != 0 {
		t.Errorf("second engine appends: got %d, want 0", n)
	}
	if got := f.count(t); got != 1 {
		t.Errorf("ledger entries: got %d, want 1", got)
	}
}

func TestPendingCount_doesNotWaitForRunningPass(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")
	f.ledger.entered = make(chan struct{}, 1)
	f.ledger.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(ctx)
		done <- err
	}()
	<-f.ledger.entered

	got := make(chan int, 1)
	go func() { got <- f.engine.PendingCount() }()
	select {
	case n := <-got:
		if n != 0 {
			t.Errorf("pending: got %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Error("PendingCount blocked behind the running pass")
	}

	close(f.ledger.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRun_cancelledCallerDoesNotAbortSharedPass(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.write(t, "a.txt", "hello")
	f.ledger.entered = make(chan struct{}, 1)
	f.ledger.release = make(chan struct{})

	cctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	starter := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(cctx)
		starter <- err
	}()
	<-f.ledger.entered

	type result struct {
		s   *reconcile.Summary
		err error
	}
	joined := make(chan result, 1)
	go func() {
		s, err := f.engine.Run(ctx)
		joined <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-starter:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller: got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(f.ledger.release)
	res := <-joined
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !res.s.Recorded("a.txt") || len(res.s.Failed) != 0 {
		t.Errorf("shared pass should complete despite the cancellation: %+v", res.s)
	}
	if n := f.ledger.appends.Load(); n != 1 {
		t.Errorf("appends: got %d, want 1", n)
	}
}
