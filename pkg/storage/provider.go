package storage

import (
	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// SignatureProvider defines the contract for signature persistence.
// This abstraction keeps the engine agnostic of the on-disk representation
// while guaranteeing the load-once / swap-atomically lifecycle the scanner
// depends on.
type SignatureProvider interface {
	// Load reads the full database into an immutable snapshot.
	Load() (*models.SignatureDatabase, error)
	// Save durably persists a snapshot. The previous on-disk database must
	// remain intact if Save fails at any point.
	Save(db *models.SignatureDatabase) error
}

// VerdictCache caches scan verdicts keyed by content hash so unchanged
// files are not rescanned. Entries are invalidated wholesale when the
// signature database version moves.
type VerdictCache interface {
	Get(sha256Hex string, dbVersion uint32) (models.Verdict, bool)
	Put(sha256Hex string, dbVersion uint32, v models.Verdict) error
	Close() error
}
