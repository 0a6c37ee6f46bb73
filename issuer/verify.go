package issuer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"blockcreds/ledger"
	"blockcreds/storage"
)

// VerificationStatus classifies a verification lookup.
type VerificationStatus string

const (
	StatusValid    VerificationStatus = "valid"
	StatusRevoked  VerificationStatus = "revoked"
	StatusNotFound VerificationStatus = "not_found"
)

// Verification is the answer to a certificate lookup.
type Verification struct {
	Status      VerificationStatus
	ContentHash string
	CID         string
	StudentName string
	CourseName  string
	IssuedAt    time.Time
}

// ChainReader serves read-only registry lookups. *ledger.Client satisfies
// it.
type ChainReader interface {
	GetCertificate(ctx context.Context, contentHash [32]byte) (ledger.CertificateState, error)
}

// VerifyLocal answers a verification query from the mirror.
func (s *Service) VerifyLocal(ctx context.Context, contentHash string) (Verification, error) {
	hashHex := storage.NormalizeHash(contentHash)
	cert, err := s.store.CertificateByHash(ctx, hashHex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Verification{Status: StatusNotFound, ContentHash: hashHex}, nil
		}
		return Verification{}, err
	}
	status := StatusValid
	if cert.Revoked {
		status = StatusRevoked
	}
	return Verification{
		Status:      status,
		ContentHash: hashHex,
		CID:         cert.StorageCID,
		StudentName: cert.Student.Name,
		CourseName:  cert.CourseName,
		IssuedAt:    cert.IssuedAt,
	}, nil
}

// VerifyOnChain answers a verification query against the ledger's
// authoritative state, enriching subject details from the mirror when a row
// exists.
func (s *Service) VerifyOnChain(ctx context.Context, reader ChainReader, contentHash string) (Verification, error) {
	hashHex := storage.NormalizeHash(contentHash)
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != 32 {
		return Verification{}, fmt.Errorf("issuer: content hash must be 32 bytes of hex")
	}
	var hash [32]byte
	copy(hash[:], raw)

	state, err := reader.GetCertificate(ctx, hash)
	if err != nil {
		return Verification{}, err
	}
	if state.CID == "" {
		return Verification{Status: StatusNotFound, ContentHash: hashHex}, nil
	}

	result := Verification{
		Status:      StatusValid,
		ContentHash: hashHex,
		CID:         state.CID,
		IssuedAt:    state.IssuedAt,
	}
	if state.Revoked {
		result.Status = StatusRevoked
	}
	if cert, err := s.store.CertificateByHash(ctx, hashHex); err == nil {
		result.StudentName = cert.Student.Name
		result.CourseName = cert.CourseName
	}
	return result, nil
}
