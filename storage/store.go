package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the local mirror of students, certificates, and the sync
// checkpoint.
type Store struct {
	db *gorm.DB
}

// Open initialises the mirror. DSNs with a postgres scheme or key/value form
// use the postgres driver; anything else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	dialector := sqlite.Open(trimmed)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle. The schema must already be
// migrated.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NormalizeHash canonicalises a content hash to lowercase hex without the 0x
// prefix.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hash), "0x"))
}

// EnsureStudent resolves a student by email, creating the row when absent.
func (s *Store) EnsureStudent(ctx context.Context, name, email, rollNo string) (Student, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Student{}, fmt.Errorf("storage: student email required")
	}
	student := Student{}
	err := s.db.WithContext(ctx).
		Where(Student{Email: email}).
		Attrs(Student{Name: strings.TrimSpace(name), RollNo: strings.TrimSpace(rollNo)}).
		FirstOrCreate(&student).Error
	if err != nil {
		return Student{}, fmt.Errorf("ensure student: %w", err)
	}
	return student, nil
}

// PlaceholderStudent resolves the sentinel bucket used for certificates
// discovered on-chain with no known subject.
func (s *Store) PlaceholderStudent(ctx context.Context) (Student, error) {
	student := Student{}
	err := s.db.WithContext(ctx).
		Where(Student{RollNo: PlaceholderRollNo}).
		Attrs(Student{
			Name:  "Unknown",
			Email: fmt.Sprintf("unknown_%s@example.com", uuid.NewString()),
		}).
		FirstOrCreate(&student).Error
	if err != nil {
		return Student{}, fmt.Errorf("placeholder student: %w", err)
	}
	return student, nil
}

// CreateCertificate inserts the record if no row with the same content hash
// exists. Returns true when the row was created; an existing row is left
// untouched, so the write path and the syncer racing on the same hash
// converge to a single row.
func (s *Store) CreateCertificate(ctx context.Context, cert *Certificate) (bool, error) {
	if cert == nil {
		return false, fmt.Errorf("storage: certificate required")
	}
	cert.ContentHash = NormalizeHash(cert.ContentHash)
	if len(cert.ContentHash) != 64 {
		return false, fmt.Errorf("storage: content hash must be 32 bytes of hex, got %q", cert.ContentHash)
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_hash"}},
			DoNothing: true,
		}).
		Create(cert)
	if result.Error != nil {
		return false, fmt.Errorf("create certificate: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// EnrichCertificate fills in subject and course details on a row the syncer
// created first with placeholder data. The content hash and on-chain fields
// are left untouched.
func (s *Store) EnrichCertificate(ctx context.Context, contentHash string, studentID uint, courseName string) error {
	result := s.db.WithContext(ctx).
		Model(&Certificate{}).
		Where("content_hash = ?", NormalizeHash(contentHash)).
		Updates(map[string]any{"student_id": studentID, "course_name": courseName})
	if result.Error != nil {
		return fmt.Errorf("enrich certificate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRevoked sets the revoked flag and revocation block on the matching
// row. Returns false when no row with the hash exists. Re-applying the same
// revocation is a no-op update, making event replay safe.
func (s *Store) MarkRevoked(ctx context.Context, contentHash string, block uint64) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Certificate{}).
		Where("content_hash = ?", NormalizeHash(contentHash)).
		Updates(map[string]any{"revoked": true, "revoked_block": block})
	if result.Error != nil {
		return false, fmt.Errorf("mark revoked: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CertificateByHash loads one certificate with its student.
func (s *Store) CertificateByHash(ctx context.Context, contentHash string) (Certificate, error) {
	cert := Certificate{}
	err := s.db.WithContext(ctx).
		Preload("Student").
		First(&cert, "content_hash = ?", NormalizeHash(contentHash)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Certificate{}, ErrNotFound
		}
		return Certificate{}, fmt.Errorf("query certificate: %w", err)
	}
	return cert, nil
}

// ListCertificates returns all certificates, newest first.
func (s *Store) ListCertificates(ctx context.Context) ([]Certificate, error) {
	var certs []Certificate
	err := s.db.WithContext(ctx).
		Preload("Student").
		Order("created_at DESC").
		Find(&certs).Error
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return certs, nil
}

// Stats summarises the mirror for the dashboard endpoint.
type Stats struct {
	Total   int64
	Active  int64
	Revoked int64
	// Daily issuance counts for the trailing seven days, oldest first.
	IssuedLabels []string
	IssuedCounts []int64
}

// Stats counts certificates and builds the trailing seven-day issuance
// histogram.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{}
	db := s.db.WithContext(ctx).Model(&Certificate{})
	if err := db.Count(&stats.Total).Error; err != nil {
		return Stats{}, fmt.Errorf("count certificates: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Certificate{}).Where("revoked = ?", true).Count(&stats.Revoked).Error; err != nil {
		return Stats{}, fmt.Errorf("count revoked: %w", err)
	}
	stats.Active = stats.Total - stats.Revoked

	day := now.UTC().Truncate(24 * time.Hour)
	for i := 6; i >= 0; i-- {
		start := day.AddDate(0, 0, -i)
		end := start.AddDate(0, 0, 1)
		var count int64
		err := s.db.WithContext(ctx).Model(&Certificate{}).
			Where("issued_at >= ? AND issued_at < ?", start, end).
			Count(&count).Error
		if err != nil {
			return Stats{}, fmt.Errorf("count issued on %s: %w", start.Format(time.DateOnly), err)
		}
		stats.IssuedLabels = append(stats.IssuedLabels, start.Format("Jan 02"))
		stats.IssuedCounts = append(stats.IssuedCounts, count)
	}
	return stats, nil
}

// Checkpoint returns the last fully reconciled block height, creating the
// singleton row at the configured default on first run.
func (s *Store) Checkpoint(ctx context.Context, defaultBlock uint64) (uint64, error) {
	cp := SyncCheckpoint{ID: 1}
	err := s.db.WithContext(ctx).
		Attrs(SyncCheckpoint{LastSyncedBlock: defaultBlock}).
		FirstOrCreate(&cp, SyncCheckpoint{ID: 1}).Error
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp.LastSyncedBlock, nil
}

// AdvanceCheckpoint moves the cursor forward. The guard keeps the cursor
// monotonically non-decreasing under replays.
func (s *Store) AdvanceCheckpoint(ctx context.Context, height uint64) error {
	result := s.db.WithContext(ctx).
		Model(&SyncCheckpoint{}).
		Where("id = ? AND last_synced_block <= ?", 1, height).
		Updates(map[string]any{"last_synced_block": height, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("advance checkpoint: %w", result.Error)
	}
	return nil
}

// BufferRevocation records a revocation whose issuance has not been mirrored
// yet. Duplicate buffering of the same hash is a no-op.
func (s *Store) BufferRevocation(ctx context.Context, contentHash string, block uint64) error {
	pending := PendingRevocation{
		ContentHash: NormalizeHash(contentHash),
		BlockNumber: block,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_hash"}},
			DoNothing: true,
		}).
		Create(&pending).Error
	if err != nil {
		return fmt.Errorf("buffer revocation: %w", err)
	}
	return nil
}

// BufferedRevocation returns the buffered revocation for the hash without
// removing it, or nil when none is pending. The entry is only removed via
// RemoveBufferedRevocation once the revocation has been applied, so a crash
// or failure between the two leaves it in place for a later pass.
func (s *Store) BufferedRevocation(ctx context.Context, contentHash string) (*PendingRevocation, error) {
	pending := PendingRevocation{}
	err := s.db.WithContext(ctx).
		First(&pending, "content_hash = ?", NormalizeHash(contentHash)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query buffered revocation: %w", err)
	}
	return &pending, nil
}

// RemoveBufferedRevocation drops a pending entry after its revocation has
// reached the mirror.
func (s *Store) RemoveBufferedRevocation(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&PendingRevocation{}, id).Error; err != nil {
		return fmt.Errorf("remove buffered revocation: %w", err)
	}
	return nil
}
