package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAppendTimeout bounds a single append when no timeout is configured.
const DefaultAppendTimeout = 2 * time.Minute

// Record is an Entry with its digest rendered as hex.
type Record struct {
	RecordID    uint64 `json:"record_id"`
	Digest      string `json:"digest"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"`
}

// Client is the only producer of appends in a certroot process. It is safe
// for concurrent use; appends are serialised so that the count observed
// before a submission belongs to that submission.
type Client struct {
	backend       Backend
	appendTimeout time.Duration
	logger        *zap.Logger

	appendMu sync.Mutex
}

// NewClient wraps backend. A zero appendTimeout selects DefaultAppendTimeout.
func NewClient(backend Backend, appendTimeout time.Duration, logger *zap.Logger) *Client {
	if appendTimeout <= 0 {
		appendTimeout = DefaultAppendTimeout
	}
	return &Client{backend: backend, appendTimeout: appendTimeout, logger: logger}
}

// Append anchors hexDigest and returns the record id it occupies.
//
// If the backend reports the id itself, that id is returned. Otherwise the id
// is the total count read immediately before submission, and the count read
// after confirmation must be exactly one higher; anything else is returned as
// a *ConsistencyFault. A timeout yields ErrLedgerTimeout; cancelling ctx
// returns ctx's error but does not retract a transaction already submitted.
func (c *Client) Append(ctx context.Context, hexDigest string) (uint64, error) {
	rcpt, err := c.AppendReceipt(ctx, hexDigest)
	if err != nil {
		return 0, err
	}
	return rcpt.RecordID, nil
}

// AppendReceipt is Append returning the full receipt. RecordID is always the
// id the digest occupies and Indexed is always true.
func (c *Client) AppendReceipt(ctx context.Context, hexDigest string) (Receipt, error) {
	raw, err := EncodeDigest(hexDigest)
	if err != nil {
		return Receipt{}, err
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, c.appendTimeout)
	defer cancel()

	before, err := c.backend.TotalRecords(opCtx)
	if err != nil {
		recordAppend("error")
		return Receipt{}, c.classify(ctx, opCtx, fmt.Errorf("count before append: %w", err))
	}

	start := time.Now()
	rcpt, err := c.backend.Store(opCtx, raw)
	if err != nil {
		err = c.classify(ctx, opCtx, fmt.Errorf("store digest: %w", err))
		if errors.Is(err, ErrLedgerTimeout) {
			recordAppend("timeout")
		} else {
			recordAppend("error")
		}
		return Receipt{}, err
	}
	ledgerAppendDuration.Observe(time.Since(start).Seconds())

	if rcpt.Indexed {
		recordAppend("ok")
		c.logger.Debug("ledger append confirmed",
			zap.Uint64("record_id", rcpt.RecordID),
			zap.String("tx_hash", rcpt.TxHash),
			zap.Uint64("block_number", rcpt.BlockNumber),
		)
		return rcpt, nil
	}

	after, err := c.backend.TotalRecords(opCtx)
	if err != nil {
		recordAppend("fault")
		return Receipt{}, &ConsistencyFault{
			RecordID: before,
			Expected: strconv.FormatUint(before+1, 10) + " records",
			Observed: "unreadable count",
			Reason:   "append confirmed but post-append count failed: " + err.Error(),
		}
	}
	if after != before+1 {
		recordAppend("fault")
		c.logger.Error("ledger count moved unexpectedly during append",
			zap.Uint64("count_before", before),
			zap.Uint64("count_after", after),
			zap.String("tx_hash", rcpt.TxHash),
		)
		return Receipt{}, &ConsistencyFault{
			RecordID: before,
			Expected: strconv.FormatUint(before+1, 10) + " records",
			Observed: strconv.FormatUint(after, 10) + " records",
			Reason:   "concurrent append or reorganisation",
		}
	}

	recordAppend("ok")
	c.logger.Debug("ledger append confirmed",
		zap.Uint64("record_id", before),
		zap.String("tx_hash", rcpt.TxHash),
		zap.Uint64("block_number", rcpt.BlockNumber),
	)
	rcpt.RecordID = before
	rcpt.Indexed = true
	return rcpt, nil
}

// classify maps a deadline on the operation context to ErrLedgerTimeout while
// leaving caller cancellation untouched.
func (c *Client) classify(parent, op context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", parent.Err(), err)
	}
	if errors.Is(op.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrLedgerTimeout, c.appendTimeout, err)
	}
	return err
}

// Read returns the record at id, or ErrRecordNotFound.
func (c *Client) Read(ctx context.Context, id uint64) (*Record, error) {
	e, err := c.backend.Retrieve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	hexDigest, err := DecodeDigest(e.Digest)
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	return &Record{
		RecordID:    e.RecordID,
		Digest:      hexDigest,
		BlockNumber: e.BlockNumber,
		Timestamp:   e.Timestamp,
	}, nil
}

// Count returns the total number of anchored entries.
func (c *Client) Count(ctx context.Context) (uint64, error) {
	n, err := c.backend.TotalRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Find looks for an entry holding hexDigest, newest first. It is how the
// reconciler detects digests that were anchored but never recorded locally.
// Backends without a digest index are scanned entry by entry.
func (c *Client) Find(ctx context.Context, hexDigest string) (uint64, bool, error) {
	raw, err := EncodeDigest(hexDigest)
	if err != nil {
		return 0, false, err
	}
	if f, ok := c.backend.(DigestFinder); ok {
		return f.FindDigest(ctx, raw)
	}

	n, err := c.backend.TotalRecords(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("count records: %w", err)
	}
	for i := n; i > 0; i-- {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		e, err := c.backend.Retrieve(ctx, i-1)
		if err != nil {
			return 0, false, fmt.Errorf("scan record %d: %w", i-1, err)
		}
		if bytes.Equal(e.Digest, raw[:]) {
			return i - 1, true, nil
		}
	}
	return 0, false, nil
}
