package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	generationdomain "github.com/pixelforge/pixelforge/internal/generation/domain"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	outboxdomain "github.com/pixelforge/pixelforge/internal/outbox/domain"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	reconciledomain "github.com/pixelforge/pixelforge/internal/reconcile/domain"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	subscriptiondomain "github.com/pixelforge/pixelforge/internal/subscription/domain"
	walletdomain "github.com/pixelforge/pixelforge/internal/wallet/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// Models lists every table this module owns. Identity is shared; it is
// included so local and test databases are usable out of the box.
func Models() []any {
	return []any{
		&identitydomain.Identity{},
		&walletdomain.Wallet{},
		&walletdomain.WalletRepair{},
		&ledgerdomain.LedgerEntry{},
		&reservationdomain.Reservation{},
		&generationdomain.Job{},
		&generationdomain.Asset{},
		&generationdomain.HistoryItem{},
		&purchasedomain.Purchase{},
		&pspdomain.Customer{},
		&pspdomain.WebhookEvent{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionCycle{},
		&outboxdomain.EmailOutbox{},
		&reconciledomain.Run{},
		&reconciledomain.Fix{},
	}
}

// AutoMigrate creates or updates every owned table.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(Models()...)
}

// RunMigrations applies the embedded SQL migrations. Postgres only; other
// dialects get the same indexes through EnsureIdempotencyIndexes.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// EnsureIdempotencyIndexes creates the partial unique indexes on dialects
// that support them without golang-migrate (sqlite in tests and local runs).
// MySQL has no partial indexes; idempotency there relies on the insert-time
// guards alone.
func EnsureIdempotencyIndexes(conn *gorm.DB) error {
	if conn.Dialector.Name() == "mysql" {
		return nil
	}

	statements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_purchase_grant ON ledger_entries (ref_type, ref_id) WHERE entry_type = 'purchase_credit'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_revocation ON ledger_entries (ref_type, ref_id) WHERE entry_type IN ('refund', 'chargeback')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_finalize ON ledger_entries (ref_type, ref_id) WHERE entry_type = 'reservation_finalize'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_charge ON ledger_entries (ref_type, ref_id) WHERE entry_type = 'charge'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_subscription_grant ON ledger_entries (ref_type, ref_id) WHERE entry_type = 'subscription_grant'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_signup_grant ON ledger_entries (ref_type, ref_id) WHERE entry_type = 'signup_grant'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_identity_job_action ON reservations (identity_id, job_ref, action_code) WHERE status = 'held'`,
	}
	for _, stmt := range statements {
		if err := conn.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
