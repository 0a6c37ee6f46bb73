package issuer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"blockcreds/ledger"
	"blockcreds/storage"
)

type fakeSubmitter struct {
	issueOutcome  ledger.Outcome
	issueErr      error
	revokeOutcome ledger.Outcome
	revokeErr     error

	issuedHashes  [][32]byte
	issuedCIDs    []string
	revokedHashes [][32]byte
}

func (f *fakeSubmitter) IssueCertificate(_ context.Context, hash [32]byte, cid string) (ledger.Outcome, error) {
	f.issuedHashes = append(f.issuedHashes, hash)
	f.issuedCIDs = append(f.issuedCIDs, cid)
	return f.issueOutcome, f.issueErr
}

func (f *fakeSubmitter) RevokeCertificate(_ context.Context, hash [32]byte) (ledger.Outcome, error) {
	f.revokedHashes = append(f.revokedHashes, hash)
	return f.revokeOutcome, f.revokeErr
}

type fakeUploader struct {
	cid      string
	err      error
	payloads [][]byte
}

func (f *fakeUploader) Upload(_ context.Context, _ string, data []byte) (string, error) {
	f.payloads = append(f.payloads, data)
	return f.cid, f.err
}

type fakeNotifier struct {
	err   error
	notes []Notification
}

func (f *fakeNotifier) CertificateIssued(_ context.Context, note Notification) error {
	f.notes = append(f.notes, note)
	return f.err
}

type fakeChainReader struct {
	state ledger.CertificateState
	err   error
}

func (f *fakeChainReader) GetCertificate(_ context.Context, _ [32]byte) (ledger.CertificateState, error) {
	return f.state, f.err
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func confirmedOutcome(tx string, block uint64) ledger.Outcome {
	return ledger.Outcome{
		Status:      ledger.StatusConfirmed,
		TxHash:      common.HexToHash(tx),
		BlockNumber: block,
	}
}

func testRequest() IssueRequest {
	return IssueRequest{
		StudentName: "Ada Lovelace",
		Email:       "ada@example.com",
		RollNo:      "CS-101",
		CourseName:  "Distributed Systems",
		Score:       "95",
	}
}

func TestIssueConfirmedWritesMirrorRow(t *testing.T) {
	store := newTestStore(t)
	submitter := &fakeSubmitter{issueOutcome: confirmedOutcome("0x01", 103)}
	uploader := &fakeUploader{cid: "QmCert"}
	notifier := &fakeNotifier{}
	svc, err := New(Config{
		Store:     store,
		Submitter: submitter,
		Uploader:  uploader,
		Notifier:  notifier,
		VerifyURL: "https://creds.example.com/verify?hash=",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.Issue(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result.CID != "QmCert" || result.BlockNumber != 103 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The ledger key is the digest of the exact uploaded payload.
	if len(uploader.payloads) != 1 {
		t.Fatalf("want 1 upload, got %d", len(uploader.payloads))
	}
	wantHash := hex.EncodeToString(gethcrypto.Keccak256(uploader.payloads[0]))
	if result.ContentHash != wantHash {
		t.Fatalf("content hash %s does not match payload digest %s", result.ContentHash, wantHash)
	}
	if len(submitter.issuedHashes) != 1 || hex.EncodeToString(submitter.issuedHashes[0][:]) != wantHash {
		t.Fatalf("submitted hash mismatch")
	}

	cert, err := store.CertificateByHash(context.Background(), result.ContentHash)
	if err != nil {
		t.Fatalf("query mirror row: %v", err)
	}
	if cert.Student.Email != "ada@example.com" || cert.CourseName != "Distributed Systems" {
		t.Fatalf("mirror row wrong: %+v", cert)
	}
	if cert.TxHash == nil || *cert.TxHash != result.TxHash {
		t.Fatalf("tx hash not persisted: %+v", cert)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("want 1 notification, got %d", len(notifier.notes))
	}
	if notifier.notes[0].VerifyURL != "https://creds.example.com/verify?hash="+result.ContentHash {
		t.Fatalf("unexpected verify link: %s", notifier.notes[0].VerifyURL)
	}
}

func TestIssueExhaustedWritesNoRow(t *testing.T) {
	store := newTestStore(t)
	submitter := &fakeSubmitter{issueOutcome: ledger.Outcome{
		Status: ledger.StatusExhausted,
		TxHash: common.HexToHash("0x02"),
	}}
	svc, err := New(Config{Store: store, Submitter: submitter, Uploader: &fakeUploader{cid: "QmCert"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.Issue(context.Background(), testRequest())
	if !errors.Is(err, ledger.ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	if !strings.Contains(err.Error(), common.HexToHash("0x02").Hex()) {
		t.Fatalf("error does not carry last tx hash: %v", err)
	}

	certs, err := store.ListCertificates(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(certs) != 0 {
		t.Fatalf("row written for unconfirmed submission: %+v", certs)
	}
}

func TestIssueRevertedIsExplicit(t *testing.T) {
	store := newTestStore(t)
	submitter := &fakeSubmitter{issueOutcome: ledger.Outcome{
		Status: ledger.StatusFailedOnChain,
		TxHash: common.HexToHash("0x03"),
	}}
	svc, err := New(Config{Store: store, Submitter: submitter, Uploader: &fakeUploader{cid: "QmCert"}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Issue(context.Background(), testRequest()); !errors.Is(err, ErrRevertedOnChain) {
		t.Fatalf("want ErrRevertedOnChain, got %v", err)
	}
}

func TestIssueEnrichesSyncerRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uploader := &fakeUploader{cid: "QmCert"}
	submitter := &fakeSubmitter{issueOutcome: confirmedOutcome("0x01", 103)}
	svc, err := New(Config{Store: store, Submitter: submitter, Uploader: uploader})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// Precompute the hash the issue path will derive, then seed a
	// placeholder row as the syncer would after seeing the event first.
	payload, err := JSONRenderer{}.Render(ctx, Fields{
		StudentName: "Ada Lovelace",
		Email:       "ada@example.com",
		RollNo:      "CS-101",
		CourseName:  "Distributed Systems",
		Score:       "95",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	hashHex := hex.EncodeToString(gethcrypto.Keccak256(payload))
	placeholder, err := store.PlaceholderStudent(ctx)
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if _, err := store.CreateCertificate(ctx, &storage.Certificate{
		StudentID:   placeholder.ID,
		CourseName:  "Unknown",
		ContentHash: hashHex,
		StorageCID:  "QmCert",
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	result, err := svc.Issue(ctx, testRequest())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result.ContentHash != hashHex {
		t.Fatalf("hash mismatch: %s vs %s", result.ContentHash, hashHex)
	}

	cert, err := store.CertificateByHash(ctx, hashHex)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if cert.Student.Email != "ada@example.com" || cert.CourseName != "Distributed Systems" {
		t.Fatalf("placeholder row not enriched: %+v", cert)
	}
}

func TestIssueAppliesBufferedRevocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uploader := &fakeUploader{cid: "QmCert"}
	submitter := &fakeSubmitter{issueOutcome: confirmedOutcome("0x01", 103)}
	svc, err := New(Config{Store: store, Submitter: submitter, Uploader: uploader})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// The syncer saw a Revoked event for this hash before any row existed
	// and buffered it; the write path then mirrors the issuance.
	payload, err := JSONRenderer{}.Render(ctx, Fields{
		StudentName: "Ada Lovelace",
		Email:       "ada@example.com",
		RollNo:      "CS-101",
		CourseName:  "Distributed Systems",
		Score:       "95",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	hashHex := hex.EncodeToString(gethcrypto.Keccak256(payload))
	if err := store.BufferRevocation(ctx, hashHex, 104); err != nil {
		t.Fatalf("buffer: %v", err)
	}

	result, err := svc.Issue(ctx, testRequest())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result.ContentHash != hashHex {
		t.Fatalf("hash mismatch: %s vs %s", result.ContentHash, hashHex)
	}

	cert, err := store.CertificateByHash(ctx, hashHex)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !cert.Revoked || cert.RevokedBlock == nil || *cert.RevokedBlock != 104 {
		t.Fatalf("buffered revocation not applied on the write path: %+v", cert)
	}
	pending, err := store.BufferedRevocation(ctx, hashHex)
	if err != nil {
		t.Fatalf("query buffer: %v", err)
	}
	if pending != nil {
		t.Fatalf("buffer not drained: %+v", pending)
	}
}

func TestIssueNotifierFailureIsTolerated(t *testing.T) {
	store := newTestStore(t)
	submitter := &fakeSubmitter{issueOutcome: confirmedOutcome("0x01", 103)}
	svc, err := New(Config{
		Store:     store,
		Submitter: submitter,
		Uploader:  &fakeUploader{cid: "QmCert"},
		Notifier:  &fakeNotifier{err: errors.New("smtp down")},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.Issue(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("issue failed on notifier error: %v", err)
	}
	if _, err := store.CertificateByHash(context.Background(), result.ContentHash); err != nil {
		t.Fatalf("mirror row missing: %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	store := newTestStore(t)
	svc, err := New(Config{Store: store, Submitter: &fakeSubmitter{}, Uploader: &fakeUploader{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Issue(context.Background(), IssueRequest{CourseName: "x"}); err == nil {
		t.Fatalf("missing email accepted")
	}
	if _, err := svc.Issue(context.Background(), IssueRequest{Email: "a@b.c"}); err == nil {
		t.Fatalf("missing course accepted")
	}
}

func TestRevokeConfirmed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hash := strings.Repeat("ab", 32)
	if _, err := store.CreateCertificate(ctx, &storage.Certificate{ContentHash: hash}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	submitter := &fakeSubmitter{revokeOutcome: confirmedOutcome("0x04", 110)}
	svc, err := New(Config{Store: store, Submitter: submitter, Uploader: &fakeUploader{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.Revoke(ctx, "0x"+strings.ToUpper(hash))
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if result.ContentHash != hash || result.BlockNumber != 110 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(submitter.revokedHashes) != 1 || hex.EncodeToString(submitter.revokedHashes[0][:]) != hash {
		t.Fatalf("submitted hash mismatch")
	}

	cert, err := store.CertificateByHash(ctx, hash)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !cert.Revoked {
		t.Fatalf("mirror row not marked revoked")
	}
}

func TestRevokeUnknownHash(t *testing.T) {
	store := newTestStore(t)
	svc, err := New(Config{Store: store, Submitter: &fakeSubmitter{}, Uploader: &fakeUploader{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Revoke(context.Background(), strings.Repeat("cd", 32)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := svc.Revoke(context.Background(), "not-hex"); err == nil {
		t.Fatalf("malformed hash accepted")
	}
}

func TestVerifyLocal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hash := strings.Repeat("ab", 32)
	student, err := store.EnsureStudent(ctx, "Ada", "ada@example.com", "CS-101")
	if err != nil {
		t.Fatalf("ensure student: %v", err)
	}
	if _, err := store.CreateCertificate(ctx, &storage.Certificate{
		StudentID:   student.ID,
		CourseName:  "Distributed Systems",
		ContentHash: hash,
		StorageCID:  "QmCert",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc, err := New(Config{Store: store, Submitter: &fakeSubmitter{}, Uploader: &fakeUploader{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	got, err := svc.VerifyLocal(ctx, "0x"+hash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != StatusValid || got.StudentName != "Ada" || got.CID != "QmCert" {
		t.Fatalf("unexpected verification: %+v", got)
	}

	if _, err := store.MarkRevoked(ctx, hash, 104); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err = svc.VerifyLocal(ctx, hash)
	if err != nil {
		t.Fatalf("verify revoked: %v", err)
	}
	if got.Status != StatusRevoked {
		t.Fatalf("want revoked, got %+v", got)
	}

	got, err = svc.VerifyLocal(ctx, strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("verify absent: %v", err)
	}
	if got.Status != StatusNotFound {
		t.Fatalf("want not_found, got %+v", got)
	}
}

func TestVerifyOnChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	hash := strings.Repeat("ab", 32)
	svc, err := New(Config{Store: store, Submitter: &fakeSubmitter{}, Uploader: &fakeUploader{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	reader := &fakeChainReader{state: ledger.CertificateState{CID: "QmCert", Revoked: false}}
	got, err := svc.VerifyOnChain(ctx, reader, hash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != StatusValid || got.CID != "QmCert" {
		t.Fatalf("unexpected verification: %+v", got)
	}

	// An empty CID is how the registry reports an unknown hash.
	reader.state = ledger.CertificateState{}
	got, err = svc.VerifyOnChain(ctx, reader, hash)
	if err != nil {
		t.Fatalf("verify unknown: %v", err)
	}
	if got.Status != StatusNotFound {
		t.Fatalf("want not_found, got %+v", got)
	}

	if _, err := svc.VerifyOnChain(ctx, reader, "zz"); err == nil {
		t.Fatalf("malformed hash accepted")
	}
}
