package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coopvida/poscore/internal/domain/stock"
	"github.com/coopvida/poscore/internal/repository"
)

type productJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Category     string          `json:"category"`
	InitialStock int             `json:"initialStock"`
}

type accountJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CreditLimit decimal.Decimal `json:"creditLimit"`
	Invoices    []invoiceJSON   `json:"invoices"`
}

type invoiceJSON struct {
	Amount  decimal.Decimal `json:"amount"`
	DueDays int             `json:"dueDays"` // negative values seed an overdue invoice
}

func main() {
	var (
		databaseURL  string
		productsFile string
		accountsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&accountsFile, "accounts-file", "db/seed/accounts.json", "path to account holders JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, accountsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, accountsFile string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	txm := repository.NewTxManager(pool)
	ledger := stock.NewLedger(repository.NewStockStore(pool, txm))

	if err := seedProducts(ctx, pool, ledger, productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedAccounts(ctx, pool, accountsFile); err != nil {
		return errors.Wrap(err, "seed account holders")
	}

	return nil
}

const upsertProductSQL = `
INSERT INTO products (id, name, price, category, active)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category, active = TRUE
RETURNING (xmax = 0)`

func seedProducts(ctx context.Context, pool *pgxpool.Pool, ledger *stock.Ledger, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		var inserted bool
		if err := pool.QueryRow(ctx, upsertProductSQL, p.ID, p.Name, p.Price, p.Category).Scan(&inserted); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		// Booking the opening stock twice would inflate the ledger, so it is
		// recorded only when the product row is first created.
		if inserted && p.InitialStock > 0 {
			if _, err := ledger.Increment(ctx, p.ID, p.InitialStock, "seed"); err != nil {
				return errors.Wrapf(err, "initial stock entry for %s", p.ID)
			}
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

const upsertAccountSQL = `
INSERT INTO account_holders (id, name, status, credit_limit)
VALUES ($1, $2, 'active', $3)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, credit_limit = EXCLUDED.credit_limit
RETURNING (xmax = 0)`

const insertInvoiceSQL = `
INSERT INTO invoices (id, account_id, amount, due_date)
VALUES ($1, $2, $3, $4)`

func seedAccounts(ctx context.Context, pool *pgxpool.Pool, accountsFile string) error {
	slog.Info("reading accounts file", slog.String("path", accountsFile))

	data, err := os.ReadFile(accountsFile)
	if err != nil {
		return errors.Wrap(err, "read accounts file")
	}

	var accounts []accountJSON
	if err := json.Unmarshal(data, &accounts); err != nil {
		return errors.Wrap(err, "parse accounts JSON")
	}

	slog.Info("upserting account holders", slog.Int("count", len(accounts)))

	for _, a := range accounts {
		var inserted bool
		if err := pool.QueryRow(ctx, upsertAccountSQL, a.ID, a.Name, a.CreditLimit).Scan(&inserted); err != nil {
			return errors.Wrapf(err, "upsert account %s", a.ID)
		}

		if inserted {
			for _, inv := range a.Invoices {
				due := time.Now().AddDate(0, 0, inv.DueDays)
				if _, err := pool.Exec(ctx, insertInvoiceSQL, uuid.NewString(), a.ID, inv.Amount, due); err != nil {
					return errors.Wrapf(err, "seed invoice for %s", a.ID)
				}
			}
		}

		slog.Info("upserted account", slog.String("id", a.ID), slog.String("name", a.Name))
	}

	return nil
}
