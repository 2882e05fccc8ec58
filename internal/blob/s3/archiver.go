package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

// archiveBatchSize bounds how many operations one archive pass drains.
const archiveBatchSize = 500

// operationSnapshot is the archived JSONL record: the operation plus
// everything recorded about it, self-contained so the database rows can
// be pruned afterwards.
type operationSnapshot struct {
	Operation   domain.OperationContext  `json:"operation"`
	Transitions []domain.StateTransition `json:"transitions,omitempty"`
	Recoveries  []domain.RecoveryContext `json:"recoveries,omitempty"`
	Positions   []domain.PositionRecord  `json:"positions,omitempty"`
}

// ArchiveImpl implements domain.Archiver: terminal operations older
// than the cutoff are serialized to JSONL, uploaded to object storage,
// and only then pruned from the primary store. Position rows are
// included in the snapshot but kept in the database because the PnL
// summaries read them.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	operations  domain.OperationStore
	transitions domain.TransitionStore
	recoveries  domain.RecoveryStore
	positions   domain.PositionHistoryStore
	logger      *slog.Logger
}

// NewArchiver creates a new ArchiveImpl. recoveries and positions may
// be nil; the snapshot simply omits those sections.
func NewArchiver(
	writer domain.BlobWriter,
	operations domain.OperationStore,
	transitions domain.TransitionStore,
	recoveries domain.RecoveryStore,
	positions domain.PositionHistoryStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		operations:  operations,
		transitions: transitions,
		recoveries:  recoveries,
		positions:   positions,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOperations drains terminal operations last updated strictly
// before the cutoff. The upload happens before any delete: a failed
// upload leaves the database untouched, a failed prune leaves rows that
// the next pass re-archives harmlessly.
func (a *ArchiveImpl) ArchiveOperations(ctx context.Context, before time.Time) (int64, error) {
	ops, err := a.operations.ListTerminalBefore(ctx, before, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations query: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	snapshots := make([]operationSnapshot, 0, len(ops))
	for _, op := range ops {
		snap := operationSnapshot{Operation: op}

		trs, err := a.transitions.ListByOperation(ctx, op.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive transitions for %s: %w", op.ID, err)
		}
		snap.Transitions = trs

		if a.recoveries != nil {
			rcs, err := a.recoveries.ListRecent(ctx, domain.ListOpts{})
			if err != nil {
				return 0, fmt.Errorf("s3blob: archive recoveries for %s: %w", op.ID, err)
			}
			for _, rc := range rcs {
				if rc.OperationID == op.ID {
					snap.Recoveries = append(snap.Recoveries, rc)
				}
			}
		}

		if a.positions != nil {
			recs, err := a.positions.ListByOpportunity(ctx, op.OpportunityID)
			if err != nil {
				return 0, fmt.Errorf("s3blob: archive positions for %s: %w", op.ID, err)
			}
			snap.Positions = recs
		}

		snapshots = append(snapshots, snap)
	}

	buf, err := marshalJSONL(snapshots)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive operations upload: %w", err)
	}

	// Prune only after the upload succeeded.
	var pruned int64
	for _, op := range ops {
		if err := a.transitions.DeleteByOperation(ctx, op.ID); err != nil {
			return pruned, fmt.Errorf("s3blob: prune transitions for %s: %w", op.ID, err)
		}
		if a.recoveries != nil {
			if err := a.recoveries.DeleteByOperation(ctx, op.ID); err != nil {
				return pruned, fmt.Errorf("s3blob: prune recoveries for %s: %w", op.ID, err)
			}
		}
		if err := a.operations.Delete(ctx, op.ID); err != nil {
			return pruned, fmt.Errorf("s3blob: prune operation %s: %w", op.ID, err)
		}
		pruned++
	}

	a.logger.InfoContext(ctx, "operations archived",
		slog.String("path", path),
		slog.Int64("count", pruned),
		slog.Time("before", before),
	)
	return pruned, nil
}

// archivePath builds the object key, partitioned by the year-month of
// the cutoff plus an upload timestamp so repeated passes within one
// month never overwrite each other.
//
//	archive/operations/2026-08/20260824T153000Z.jsonl
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/operations/%s/%s.jsonl",
		before.Format("2006-01"),
		time.Now().UTC().Format("20060102T150405Z"),
	)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
