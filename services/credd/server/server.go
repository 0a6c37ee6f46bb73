package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockcreds/issuer"
	"blockcreds/ledger"
	"blockcreds/services/credd/middleware"
	"blockcreds/storage"
)

// CertificateAPI is the slice of the issuance service the handlers depend
// on. *issuer.Service satisfies it.
type CertificateAPI interface {
	Issue(ctx context.Context, req issuer.IssueRequest) (issuer.IssueResult, error)
	Revoke(ctx context.Context, contentHash string) (issuer.RevokeResult, error)
	VerifyLocal(ctx context.Context, contentHash string) (issuer.Verification, error)
	VerifyOnChain(ctx context.Context, reader issuer.ChainReader, contentHash string) (issuer.Verification, error)
}

// Config captures the server dependencies.
type Config struct {
	ListenAddress string
	API           CertificateAPI
	Store         *storage.Store
	// Chain, when set, enables on-chain verification via ?source=chain.
	Chain       issuer.ChainReader
	BearerToken string
	VerifyLimit middleware.RateLimit
	Logger      *slog.Logger
}

// Server exposes the JSON API: issuance, revocation, verification, listing,
// and dashboard stats.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *chi.Mux
}

// New wires the router.
func New(cfg Config) (*Server, error) {
	if cfg.API == nil {
		return nil, errors.New("server: certificate api is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	verifyLimiter := middleware.NewRateLimiter(cfg.VerifyLimit, logger)
	r.With(verifyLimiter.Middleware).Get("/v1/verify", s.handleVerify)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.BearerToken))
		r.Post("/v1/certificates", s.handleIssue)
		r.Post("/v1/certificates/{hash}/revoke", s.handleRevoke)
		r.Get("/v1/certificates", s.handleList)
		r.Get("/v1/stats", s.handleStats)
	})

	s.mux = r
	return s, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until the context ends, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", "addr", s.cfg.ListenAddress)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type issuePayload struct {
	StudentName string `json:"studentName"`
	Email       string `json:"email"`
	RollNo      string `json:"rollNo"`
	CourseName  string `json:"courseName"`
	Score       string `json:"score"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var payload issuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(payload.Email) == "" || strings.TrimSpace(payload.CourseName) == "" || strings.TrimSpace(payload.StudentName) == "" {
		writeError(w, http.StatusBadRequest, "studentName, email, and courseName are required")
		return
	}
	result, err := s.cfg.API.Issue(r.Context(), issuer.IssueRequest{
		StudentName: payload.StudentName,
		Email:       payload.Email,
		RollNo:      payload.RollNo,
		CourseName:  payload.CourseName,
		Score:       payload.Score,
	})
	if err != nil {
		s.writeOperationError(w, "issue", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"contentHash": result.ContentHash,
		"cid":         result.CID,
		"txHash":      result.TxHash,
		"blockNumber": result.BlockNumber,
		"issuedAt":    result.IssuedAt.Unix(),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	result, err := s.cfg.API.Revoke(r.Context(), hash)
	if err != nil {
		s.writeOperationError(w, "revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contentHash": result.ContentHash,
		"txHash":      result.TxHash,
		"blockNumber": result.BlockNumber,
		"revoked":     true,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(r.URL.Query().Get("hash"))
	if hash == "" {
		writeError(w, http.StatusBadRequest, "no hash provided")
		return
	}
	var (
		result issuer.Verification
		err    error
	)
	if r.URL.Query().Get("source") == "chain" && s.cfg.Chain != nil {
		result, err = s.cfg.API.VerifyOnChain(r.Context(), s.cfg.Chain, hash)
	} else {
		result, err = s.cfg.API.VerifyLocal(r.Context(), hash)
	}
	if err != nil {
		s.log.Warn("verification failed", "hash", hash, "err", err)
		writeError(w, http.StatusBadGateway, "verification unavailable")
		return
	}
	if result.Status == issuer.StatusNotFound {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status":  result.Status,
			"message": "certificate not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      result.Status,
		"cid":         result.CID,
		"issuedAt":    result.IssuedAt.Unix(),
		"revoked":     result.Status == issuer.StatusRevoked,
		"studentName": result.StudentName,
		"courseName":  result.CourseName,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	certs, err := s.cfg.Store.ListCertificates(r.Context())
	if err != nil {
		s.log.Error("list certificates", "err", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	out := make([]map[string]any, 0, len(certs))
	for _, cert := range certs {
		entry := map[string]any{
			"contentHash": cert.ContentHash,
			"studentName": cert.Student.Name,
			"courseName":  cert.CourseName,
			"cid":         cert.StorageCID,
			"revoked":     cert.Revoked,
			"issuedAt":    cert.IssuedAt.Unix(),
		}
		if cert.TxHash != nil {
			entry["txHash"] = *cert.TxHash
		}
		if cert.IssuedBlock != nil {
			entry["issuedBlock"] = *cert.IssuedBlock
		}
		if cert.RevokedBlock != nil {
			entry["revokedBlock"] = *cert.RevokedBlock
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.Stats(r.Context(), time.Now())
	if err != nil {
		s.log.Error("load stats", "err", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":        stats.Total,
		"active":       stats.Active,
		"revoked":      stats.Revoked,
		"issuedLabels": stats.IssuedLabels,
		"issuedCounts": stats.IssuedCounts,
	})
}

func (s *Server) writeOperationError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "certificate not found")
	case errors.Is(err, ledger.ErrExhausted):
		s.log.Error("operation exhausted retries", "op", op, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, issuer.ErrRevertedOnChain):
		s.log.Error("operation reverted on-chain", "op", op, "err", err)
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("operation failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
