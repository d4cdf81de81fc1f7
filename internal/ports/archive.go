package ports

import (
	"context"

	"instrumentq/internal/domain"
)

// HistoryArchive stores finished packages outside the process. It is an audit
// trail only; the live queue and history are never rebuilt from it.
type HistoryArchive interface {
	Record(ctx context.Context, p domain.Package) error
	// Recent returns up to limit packages, newest first.
	Recent(ctx context.Context, limit int) ([]domain.Package, error)
	Close() error
}
