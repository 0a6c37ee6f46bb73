// Package sync replays ledger issuance and revocation history into the
// local mirror, exactly once per event, resuming correctly after crashes or
// gaps.
package sync

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"blockcreds/ledger"
	"blockcreds/observability"
	"blockcreds/storage"
)

// Ledger is the event source the syncer walks. *ledger.Client satisfies it.
type Ledger interface {
	Height(ctx context.Context) (uint64, error)
	IssuedEvents(ctx context.Context, from, to uint64) ([]ledger.IssuedEvent, error)
	RevokedEvents(ctx context.Context, from, to uint64) ([]ledger.RevokedEvent, error)
}

// Config captures the dependencies required to construct a Syncer.
type Config struct {
	Ledger Ledger
	Store  *storage.Store
	// DeploymentBlock seeds the checkpoint on first run.
	DeploymentBlock uint64
	Interval        time.Duration
	Logger          *slog.Logger
}

// Syncer walks the block range since the last checkpoint and reconciles the
// mirror. A single active syncer per mirror is a deployment invariant; the
// engine does not arbitrate between concurrent passes.
type Syncer struct {
	ledger          Ledger
	store           *storage.Store
	deploymentBlock uint64
	interval        time.Duration
	log             *slog.Logger
}

// Skip records one event that could not be applied during a pass.
type Skip struct {
	Kind   string
	TxHash string
	Block  uint64
	Reason string
}

// Summary reports what one pass did. Skipped items are surfaced here rather
// than only logged.
type Summary struct {
	From uint64
	To   uint64
	NoOp bool

	IssuedApplied   int
	IssuedDuplicate int
	RevokedApplied  int
	RevokedBuffered int
	Skips           []Skip
}

// New builds a configured syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("sync: ledger is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("sync: store is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		ledger:          cfg.Ledger,
		store:           cfg.Store,
		deploymentBlock: cfg.DeploymentBlock,
		interval:        interval,
		log:             logger,
	}, nil
}

// Run triggers a pass on every tick until the context ends. A failed pass is
// logged and retried on the next trigger, never fatal.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("event syncer started", "interval", s.interval.String())
	for {
		summary, err := s.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("sync pass aborted", "err", err)
		} else if !summary.NoOp {
			s.log.Info("sync pass complete",
				"from", summary.From+1, "to", summary.To,
				"issued_applied", summary.IssuedApplied,
				"issued_duplicate", summary.IssuedDuplicate,
				"revoked_applied", summary.RevokedApplied,
				"revoked_buffered", summary.RevokedBuffered,
				"skipped", len(summary.Skips))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce reconciles the range (checkpoint, head]. The checkpoint advances
// only after every event in the range has been applied; a crash mid-pass
// re-fetches the same range, and upsert-by-hash plus idempotent revoke
// updates make the replay safe. A fetch failure aborts the pass with the
// checkpoint unchanged.
func (s *Syncer) SyncOnce(ctx context.Context) (Summary, error) {
	metrics := observability.Credd()

	last, err := s.store.Checkpoint(ctx, s.deploymentBlock)
	if err != nil {
		metrics.SyncPass("aborted")
		return Summary{}, err
	}
	height, err := s.ledger.Height(ctx)
	if err != nil {
		metrics.SyncPass("aborted")
		return Summary{From: last}, fmt.Errorf("fetch chain head: %w", err)
	}
	summary := Summary{From: last, To: height}
	if height <= last {
		summary.NoOp = true
		metrics.SyncPass("noop")
		return summary, nil
	}

	issued, err := s.ledger.IssuedEvents(ctx, last+1, height)
	if err != nil {
		metrics.SyncPass("aborted")
		return summary, fmt.Errorf("fetch issued events: %w", err)
	}
	revoked, err := s.ledger.RevokedEvents(ctx, last+1, height)
	if err != nil {
		metrics.SyncPass("aborted")
		return summary, fmt.Errorf("fetch revoked events: %w", err)
	}

	for _, event := range issued {
		s.applyIssued(ctx, event, &summary)
	}
	for _, event := range revoked {
		s.applyRevoked(ctx, event, &summary)
	}

	if err := s.store.AdvanceCheckpoint(ctx, height); err != nil {
		metrics.SyncPass("aborted")
		return summary, err
	}
	metrics.SetCheckpoint(height)
	metrics.SyncPass("applied")
	return summary, nil
}

func (s *Syncer) applyIssued(ctx context.Context, event ledger.IssuedEvent, summary *Summary) {
	metrics := observability.Credd()
	hash := hex.EncodeToString(event.ContentHash[:])

	student, err := s.store.PlaceholderStudent(ctx)
	if err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "issued", TxHash: event.TxHash.Hex(), Block: event.BlockNumber, Reason: err.Error()})
		metrics.SyncEvent("issued", "skipped")
		s.log.Warn("skipping issued event", "tx", event.TxHash.Hex(), "err", err)
		return
	}

	txHash := event.TxHash.Hex()
	block := event.BlockNumber
	cert := storage.Certificate{
		StudentID:   student.ID,
		CourseName:  "Unknown",
		ContentHash: hash,
		StorageCID:  event.CID,
		TxHash:      &txHash,
		IssuedBlock: &block,
		IssuedAt:    event.IssuedAt,
	}
	created, err := s.store.CreateCertificate(ctx, &cert)
	if err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "issued", TxHash: txHash, Block: block, Reason: err.Error()})
		metrics.SyncEvent("issued", "skipped")
		s.log.Warn("skipping issued event", "tx", txHash, "err", err)
		return
	}
	if !created {
		// First writer wins: the ledger is append-only per hash, so an
		// existing row is already authoritative. A buffered revocation must
		// still drain here — the write path may have created the row after
		// the revocation was buffered.
		summary.IssuedDuplicate++
		metrics.SyncEvent("issued", "duplicate")
	} else {
		summary.IssuedApplied++
		metrics.SyncEvent("issued", "applied")
	}

	s.drainBufferedRevocation(ctx, hash, summary)
}

// drainBufferedRevocation applies a revocation that was observed before its
// issuance reached the mirror. The pending entry is removed only after the
// row is marked, so a failed apply is retried on a later pass.
func (s *Syncer) drainBufferedRevocation(ctx context.Context, hash string, summary *Summary) {
	metrics := observability.Credd()

	pending, err := s.store.BufferedRevocation(ctx, hash)
	if err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "revoked", Reason: fmt.Sprintf("query buffered revocation: %v", err)})
		return
	}
	if pending == nil {
		return
	}
	applied, err := s.store.MarkRevoked(ctx, hash, pending.BlockNumber)
	if err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "revoked", Block: pending.BlockNumber, Reason: err.Error()})
		metrics.SyncEvent("revoked", "skipped")
		return
	}
	if !applied {
		return
	}
	if err := s.store.RemoveBufferedRevocation(ctx, pending.ID); err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "revoked", Block: pending.BlockNumber, Reason: err.Error()})
		return
	}
	summary.RevokedApplied++
	metrics.SyncEvent("revoked", "applied")
}

func (s *Syncer) applyRevoked(ctx context.Context, event ledger.RevokedEvent, summary *Summary) {
	metrics := observability.Credd()
	hash := hex.EncodeToString(event.ContentHash[:])

	applied, err := s.store.MarkRevoked(ctx, hash, event.BlockNumber)
	if err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "revoked", TxHash: event.TxHash.Hex(), Block: event.BlockNumber, Reason: err.Error()})
		metrics.SyncEvent("revoked", "skipped")
		s.log.Warn("skipping revoked event", "tx", event.TxHash.Hex(), "err", err)
		return
	}
	if applied {
		summary.RevokedApplied++
		metrics.SyncEvent("revoked", "applied")
		return
	}
	// Issuance not mirrored yet. Buffer the revocation until it appears so
	// the revoke is not lost to event ordering.
	if err := s.store.BufferRevocation(ctx, hash, event.BlockNumber); err != nil {
		summary.Skips = append(summary.Skips, Skip{Kind: "revoked", TxHash: event.TxHash.Hex(), Block: event.BlockNumber, Reason: err.Error()})
		metrics.SyncEvent("revoked", "skipped")
		return
	}
	summary.RevokedBuffered++
	metrics.SyncEvent("revoked", "buffered")
}
