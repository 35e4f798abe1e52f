package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/ledger"
	"github.com/certroot/certroot/internal/mirror"
)

// RebuildFault is an audit record the ledger does not back.
type RebuildFault struct {
	Filename    string `json:"filename"`
	RecordID    uint64 `json:"record_id"`
	AuditDigest string `json:"audit_digest"`
	ChainDigest string `json:"chain_digest,omitempty"`
	Message     string `json:"error"`
}

// RebuildSummary describes a mirror rebuild.
type RebuildSummary struct {
	Records   int            `json:"records"`
	Upserted  int            `json:"upserted"`
	Modified  int            `json:"modified"`
	Unchanged int            `json:"unchanged"`
	Failed    int            `json:"failed"`
	Faults    []RebuildFault `json:"faults"`
}

// Rebuild repopulates the mirror from the audit log. Every record is read
// back from the ledger first; a record whose ledger digest differs, or whose
// entry cannot be read, is reported as a fault and not written. Rebuild
// excludes reconciliation passes, including those of other processes, while
// it runs.
func (e *Engine) Rebuild(ctx context.Context) (*RebuildSummary, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	unlock, err := e.lockFile(ctx, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.rebuild(ctx)
}

// TryRebuild is Rebuild returning ErrPassInProgress instead of waiting for a
// running pass.
func (e *Engine) TryRebuild(ctx context.Context) (*RebuildSummary, error) {
	if !e.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.passMu.Unlock()
	unlock, err := e.lockFile(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.rebuild(ctx)
}

func (e *Engine) rebuild(ctx context.Context) (*RebuildSummary, error) {
	recs, err := e.audit.Load()
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}

	out := &RebuildSummary{Records: len(recs)}
	batch := make([]mirror.FileRecord, 0, len(recs))
	for _, r := range recs {
		entry, err := e.ledger.Read(ctx, r.RecordID)
		if err != nil {
			out.Faults = append(out.Faults, RebuildFault{
				Filename: r.Filename, RecordID: r.RecordID, AuditDigest: r.Digest, Message: err.Error(),
			})
			continue
		}
		if entry.Digest != r.Digest {
			fault := &ledger.ConsistencyFault{
				RecordID: r.RecordID,
				Expected: r.Digest,
				Observed: entry.Digest,
				Reason:   "audit log digest differs from ledger",
			}
			e.logger.Error("rebuild: consistency fault",
				zap.String("filename", r.Filename),
				zap.Uint64("record_id", r.RecordID),
				zap.String("audit_digest", r.Digest),
				zap.String("chain_digest", entry.Digest),
			)
			out.Faults = append(out.Faults, RebuildFault{
				Filename: r.Filename, RecordID: r.RecordID, AuditDigest: r.Digest,
				ChainDigest: entry.Digest, Message: fault.Error(),
			})
			continue
		}
		batch = append(batch, mirror.FileRecord{Filename: r.Filename, Digest: r.Digest, RecordID: r.RecordID})
	}

	res := e.mirror.UpsertBatch(ctx, batch)
	out.Upserted = res.Upserted
	out.Modified = res.Modified
	out.Unchanged = res.Unchanged
	out.Failed = len(res.Failed)
	for _, f := range res.Failed {
		e.logger.Warn("rebuild: mirror upsert failed", zap.String("filename", f.Record.Filename), zap.Error(f.Err))
	}

	e.logger.Info("mirror rebuilt from audit log",
		zap.Int("records", out.Records),
		zap.Int("upserted", out.Upserted),
		zap.Int("modified", out.Modified),
		zap.Int("faults", len(out.Faults)),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}
