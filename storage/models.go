package storage

import (
	"time"

	"gorm.io/gorm"
)

// PlaceholderRollNo is the sentinel bucket for subjects synthesized from
// ledger events that carry no subject identity.
const PlaceholderRollNo = "unknown"

// Student is the certificate holder.
type Student struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:255"`
	Email     string `gorm:"uniqueIndex;size:255"`
	RollNo    string `gorm:"uniqueIndex;size:100"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Certificates []Certificate
}

// Certificate mirrors one issued credential. ContentHash is the natural key
// joining the mirror to the ledger's authoritative state; it never changes
// once set.
type Certificate struct {
	ID         uint `gorm:"primaryKey"`
	StudentID  uint `gorm:"index"`
	Student    Student
	CourseName string `gorm:"size:255"`

	ContentHash string  `gorm:"uniqueIndex;size:64"`
	StorageCID  string  `gorm:"size:255"`
	TxHash      *string `gorm:"uniqueIndex;size:66"`

	IssuedBlock  *uint64
	RevokedBlock *uint64
	Revoked      bool `gorm:"index"`

	IssuedAt  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncCheckpoint is the singleton cursor recording the last block height
// fully reconciled into the mirror. Mutated only by the event syncer.
type SyncCheckpoint struct {
	ID              uint `gorm:"primaryKey"`
	LastSyncedBlock uint64
	UpdatedAt       time.Time
}

// PendingRevocation buffers a Revoked event that arrived before its matching
// issuance was mirrored. Drained when the issuance appears.
type PendingRevocation struct {
	ID          uint   `gorm:"primaryKey"`
	ContentHash string `gorm:"uniqueIndex;size:64"`
	BlockNumber uint64
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Student{},
		&Certificate{},
		&SyncCheckpoint{},
		&PendingRevocation{},
	)
}
