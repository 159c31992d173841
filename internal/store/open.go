package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/store/memory"
	"github.com/MR-liu/waoowaoo-sub006/internal/targetstate"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

// Repositories is everything the binaries persist through one backend.
type Repositories interface {
	task.Repository
	events.Repository
	ledger.Repository
	targetstate.Source
}

var _ Repositories = (*memory.Store)(nil)

// Open returns the backend selected by cfg.StoreDriver and a function that releases
// it. The postgres backend is migrated before it is returned.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Repositories, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	case "postgres", "":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
