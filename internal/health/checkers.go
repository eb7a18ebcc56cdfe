package health

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meterd/x402gw/internal/escrow"
)

// DBChecker reports Postgres connectivity.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// EscrowChecker reports reachability of the escrow service by probing a
// well-known intent id. Any definitive answer (including "unknown intent")
// means the service is up.
func EscrowChecker(client escrow.Client) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := client.GetStatus(ctx, "int_healthcheck"); err != nil && !errors.Is(err, escrow.ErrIntentUnknown) {
			return Status{Name: "escrow", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "escrow", Healthy: true}
	}
}

// SweeperChecker reports whether the expiry sweep loop is running.
func SweeperChecker(running func() bool) Checker {
	return func(ctx context.Context) Status {
		if !running() {
			return Status{Name: "sweeper", Healthy: false, Detail: "expiry sweep loop not running"}
		}
		return Status{Name: "sweeper", Healthy: true}
	}
}
