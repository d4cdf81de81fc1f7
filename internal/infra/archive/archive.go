// Package archive implements ports.HistoryArchive on top of redis streams and
// sqlite, plus a no-op backend for servers that keep history in memory only.
package archive

import (
	"context"
	"fmt"

	"instrumentq/internal/config"
	"instrumentq/internal/domain"
	"instrumentq/internal/ports"
)

var (
	_ ports.HistoryArchive = Noop{}
	_ ports.HistoryArchive = (*Redis)(nil)
	_ ports.HistoryArchive = (*SQLite)(nil)
)

// New builds the backend selected by cfg.Archive.Backend.
func New(ctx context.Context, cfg *config.Config) (ports.HistoryArchive, error) {
	switch cfg.Archive.Backend {
	case "", config.ArchiveNone:
		return Noop{}, nil
	case config.ArchiveRedis:
		r := NewRedis(cfg.Redis)
		if err := r.Connect(ctx); err != nil {
			_ = r.Close()
			return nil, err
		}
		return r, nil
	case config.ArchiveSQLite:
		return OpenSQLite(ctx, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

type Noop struct{}

func (Noop) Record(context.Context, domain.Package) error          { return nil }
func (Noop) Recent(context.Context, int) ([]domain.Package, error) { return []domain.Package{}, nil }
func (Noop) Close() error                                          { return nil }
