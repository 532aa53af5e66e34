package ports

import (
	"github.com/mikey/phishguard/internal/core"
)

// CaseStore is a case repository that holds a connection to release on shutdown
type CaseStore interface {
	core.CaseRepository

	// Close releases the underlying connection
	Close() error
}
