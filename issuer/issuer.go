// Package issuer orchestrates certificate issuance and revocation: payload
// rendering, content-addressed upload, ledger anchoring, and the local
// mirror row.
package issuer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockcreds/ledger"
	"blockcreds/storage"
)

// ErrRevertedOnChain marks an operation whose transaction was mined but
// reverted. The nonce is consumed; the operation must not be retried as-is.
var ErrRevertedOnChain = errors.New("issuer: transaction reverted on-chain")

// TxSubmitter drives registry calls to a terminal outcome.
// *ledger.Submitter satisfies it.
type TxSubmitter interface {
	IssueCertificate(ctx context.Context, contentHash [32]byte, cid string) (ledger.Outcome, error)
	RevokeCertificate(ctx context.Context, contentHash [32]byte) (ledger.Outcome, error)
}

// Uploader pins a payload and returns its content identifier.
// *contentstore.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// Renderer produces the certificate payload bytes for the given fields. The
// payload's keccak-256 digest becomes the ledger key, so the rendering must
// be deterministic for a given input.
type Renderer interface {
	Render(ctx context.Context, fields Fields) ([]byte, error)
}

// Notification carries the data handed to the notifier after a confirmed
// issuance.
type Notification struct {
	Email       string
	StudentName string
	CourseName  string
	ContentHash string
	CID         string
	VerifyURL   string
}

// Notifier delivers issuance notices. Best effort: a failure never rolls
// back a confirmed ledger write or mirror row.
type Notifier interface {
	CertificateIssued(ctx context.Context, note Notification) error
}

// Fields is the structured input to the payload renderer.
type Fields struct {
	StudentName string
	Email       string
	RollNo      string
	CourseName  string
	Score       string
	IssuedBy    string
}

// Config captures the collaborators of the issuance service.
type Config struct {
	Store     *storage.Store
	Submitter TxSubmitter
	Uploader  Uploader
	Renderer  Renderer
	Notifier  Notifier
	VerifyURL string
	Logger    *slog.Logger
}

// Service implements the issue and revoke write paths.
type Service struct {
	store     *storage.Store
	submitter TxSubmitter
	uploader  Uploader
	renderer  Renderer
	notifier  Notifier
	verifyURL string
	log       *slog.Logger
}

// New builds the issuance service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("issuer: store is required")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("issuer: submitter is required")
	}
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("issuer: uploader is required")
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = JSONRenderer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		uploader:  cfg.Uploader,
		renderer:  renderer,
		notifier:  cfg.Notifier,
		verifyURL: strings.TrimSpace(cfg.VerifyURL),
		log:       logger,
	}, nil
}

// IssueRequest is one issuance write.
type IssueRequest struct {
	StudentName string
	Email       string
	RollNo      string
	CourseName  string
	Score       string
}

// IssueResult reports a confirmed issuance.
type IssueResult struct {
	ContentHash string
	CID         string
	TxHash      string
	BlockNumber uint64
	IssuedAt    time.Time
}

// Issue renders the certificate payload, pins it, anchors its digest on the
// ledger, and persists the mirror row. A row is written only after the
// submission is independently confirmed; an exhausted or reverted submission
// surfaces as an explicit error with the last transaction hash.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if strings.TrimSpace(req.Email) == "" {
		return IssueResult{}, fmt.Errorf("issuer: student email required")
	}
	if strings.TrimSpace(req.CourseName) == "" {
		return IssueResult{}, fmt.Errorf("issuer: course name required")
	}

	student, err := s.store.EnsureStudent(ctx, req.StudentName, req.Email, req.RollNo)
	if err != nil {
		return IssueResult{}, err
	}

	payload, err := s.renderer.Render(ctx, Fields{
		StudentName: req.StudentName,
		Email:       req.Email,
		RollNo:      req.RollNo,
		CourseName:  req.CourseName,
		Score:       req.Score,
	})
	if err != nil {
		return IssueResult{}, fmt.Errorf("render payload: %w", err)
	}

	var contentHash [32]byte
	copy(contentHash[:], gethcrypto.Keccak256(payload))
	hashHex := hex.EncodeToString(contentHash[:])

	cid, err := s.uploader.Upload(ctx, hashHex+".json", payload)
	if err != nil {
		return IssueResult{}, fmt.Errorf("upload payload: %w", err)
	}

	outcome, err := s.submitter.IssueCertificate(ctx, contentHash, cid)
	if err != nil {
		return IssueResult{}, err
	}
	switch outcome.Status {
	case ledger.StatusConfirmed:
	case ledger.StatusFailedOnChain:
		return IssueResult{}, fmt.Errorf("%w: tx %s", ErrRevertedOnChain, outcome.TxHash.Hex())
	default:
		return IssueResult{}, fmt.Errorf("%w: last tx %s", ledger.ErrExhausted, outcome.TxHash.Hex())
	}

	now := time.Now().UTC()
	txHash := outcome.TxHash.Hex()
	block := outcome.BlockNumber
	cert := storage.Certificate{
		StudentID:   student.ID,
		CourseName:  req.CourseName,
		ContentHash: hashHex,
		StorageCID:  cid,
		TxHash:      &txHash,
		IssuedBlock: &block,
		IssuedAt:    now,
	}
	created, err := s.store.CreateCertificate(ctx, &cert)
	if err != nil {
		return IssueResult{}, err
	}
	if !created {
		// The syncer discovered the issuance event first and wrote a
		// placeholder row. Attach the real subject and course to it.
		if err := s.store.EnrichCertificate(ctx, hashHex, student.ID, req.CourseName); err != nil {
			return IssueResult{}, err
		}
	}

	// A revocation for this hash may have been observed on chain before the
	// row existed. Apply it now rather than waiting for the syncer to see
	// the issuance event; the pending entry is removed only after the row
	// is marked, so a failure here is retried by the syncer.
	if pending, err := s.store.BufferedRevocation(ctx, hashHex); err != nil {
		s.log.Warn("query buffered revocation", "hash", hashHex, "err", err)
	} else if pending != nil {
		if _, err := s.store.MarkRevoked(ctx, hashHex, pending.BlockNumber); err != nil {
			s.log.Warn("apply buffered revocation", "hash", hashHex, "err", err)
		} else if err := s.store.RemoveBufferedRevocation(ctx, pending.ID); err != nil {
			s.log.Warn("drop buffered revocation", "hash", hashHex, "err", err)
		}
	}

	if s.notifier != nil {
		note := Notification{
			Email:       req.Email,
			StudentName: req.StudentName,
			CourseName:  req.CourseName,
			ContentHash: hashHex,
			CID:         cid,
			VerifyURL:   s.verifyLink(hashHex),
		}
		if err := s.notifier.CertificateIssued(ctx, note); err != nil {
			s.log.Warn("issuance notification failed", "hash", hashHex, "err", err)
		}
	}

	return IssueResult{
		ContentHash: hashHex,
		CID:         cid,
		TxHash:      txHash,
		BlockNumber: outcome.BlockNumber,
		IssuedAt:    now,
	}, nil
}

// RevokeResult reports a confirmed revocation.
type RevokeResult struct {
	ContentHash string
	TxHash      string
	BlockNumber uint64
}

// Revoke anchors the revocation on the ledger and marks the mirror row.
func (s *Service) Revoke(ctx context.Context, contentHash string) (RevokeResult, error) {
	hashHex := storage.NormalizeHash(contentHash)
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != 32 {
		return RevokeResult{}, fmt.Errorf("issuer: content hash must be 32 bytes of hex")
	}
	if _, err := s.store.CertificateByHash(ctx, hashHex); err != nil {
		return RevokeResult{}, err
	}

	var hash [32]byte
	copy(hash[:], raw)
	outcome, err := s.submitter.RevokeCertificate(ctx, hash)
	if err != nil {
		return RevokeResult{}, err
	}
	switch outcome.Status {
	case ledger.StatusConfirmed:
	case ledger.StatusFailedOnChain:
		return RevokeResult{}, fmt.Errorf("%w: tx %s", ErrRevertedOnChain, outcome.TxHash.Hex())
	default:
		return RevokeResult{}, fmt.Errorf("%w: last tx %s", ledger.ErrExhausted, outcome.TxHash.Hex())
	}

	if _, err := s.store.MarkRevoked(ctx, hashHex, outcome.BlockNumber); err != nil {
		return RevokeResult{}, err
	}
	return RevokeResult{
		ContentHash: hashHex,
		TxHash:      outcome.TxHash.Hex(),
		BlockNumber: outcome.BlockNumber,
	}, nil
}

func (s *Service) verifyLink(hashHex string) string {
	if s.verifyURL == "" {
		return ""
	}
	return s.verifyURL + hashHex
}
