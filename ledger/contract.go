package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// certABI is the certificate registry contract surface: two state-changing
// functions, one read function, and the two events mirrored locally.
const certABI = `[
  {"type":"function","name":"issueCertificate","stateMutability":"nonpayable","inputs":[{"name":"hash","type":"bytes32"},{"name":"cid","type":"string"}],"outputs":[]},
  {"type":"function","name":"revokeCertificate","stateMutability":"nonpayable","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getCertificate","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"name":"cid","type":"string"},{"name":"issuedAt","type":"uint256"},{"name":"revoked","type":"bool"}]},
  {"type":"event","name":"Issued","anonymous":false,"inputs":[{"name":"hash","type":"bytes32","indexed":false},{"name":"cid","type":"string","indexed":false},{"name":"issuedAt","type":"uint256","indexed":false}]},
  {"type":"event","name":"Revoked","anonymous":false,"inputs":[{"name":"hash","type":"bytes32","indexed":false}]}
]`

// Event names emitted by the registry contract.
const (
	EventIssued  = "Issued"
	EventRevoked = "Revoked"
)

func parseCertABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(certABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse certificate abi: %w", err)
	}
	return parsed, nil
}

// IssuedEvent is a decoded Issued log entry.
type IssuedEvent struct {
	ContentHash [32]byte
	CID         string
	IssuedAt    time.Time
	BlockNumber uint64
	TxHash      common.Hash
}

// RevokedEvent is a decoded Revoked log entry.
type RevokedEvent struct {
	ContentHash [32]byte
	BlockNumber uint64
	TxHash      common.Hash
}

// CertificateState is the on-chain record returned by getCertificate.
type CertificateState struct {
	CID      string
	IssuedAt time.Time
	Revoked  bool
}

func decodeIssued(contractABI abi.ABI, log gethtypes.Log) (IssuedEvent, error) {
	values, err := contractABI.Unpack(EventIssued, log.Data)
	if err != nil {
		return IssuedEvent{}, &ProtocolError{Op: "decode Issued event", Err: err}
	}
	if len(values) != 3 {
		return IssuedEvent{}, &ProtocolError{Op: "decode Issued event", Err: fmt.Errorf("want 3 fields, got %d", len(values))}
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return IssuedEvent{}, &ProtocolError{Op: "decode Issued event", Err: fmt.Errorf("hash field has type %T", values[0])}
	}
	cid, ok := values[1].(string)
	if !ok {
		return IssuedEvent{}, &ProtocolError{Op: "decode Issued event", Err: fmt.Errorf("cid field has type %T", values[1])}
	}
	issuedAt, ok := values[2].(*big.Int)
	if !ok || issuedAt == nil {
		return IssuedEvent{}, &ProtocolError{Op: "decode Issued event", Err: fmt.Errorf("issuedAt field has type %T", values[2])}
	}
	return IssuedEvent{
		ContentHash: hash,
		CID:         cid,
		IssuedAt:    time.Unix(issuedAt.Int64(), 0).UTC(),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, nil
}

func decodeRevoked(contractABI abi.ABI, log gethtypes.Log) (RevokedEvent, error) {
	values, err := contractABI.Unpack(EventRevoked, log.Data)
	if err != nil {
		return RevokedEvent{}, &ProtocolError{Op: "decode Revoked event", Err: err}
	}
	if len(values) != 1 {
		return RevokedEvent{}, &ProtocolError{Op: "decode Revoked event", Err: fmt.Errorf("want 1 field, got %d", len(values))}
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return RevokedEvent{}, &ProtocolError{Op: "decode Revoked event", Err: fmt.Errorf("hash field has type %T", values[0])}
	}
	return RevokedEvent{
		ContentHash: hash,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, nil
}
