// Command stock-import loads supplier delivery manifests into the stock
// ledger. Manifests are gzip-compressed CSV files with one delivery line per
// row: product_id,quantity,reference.
//
// Rows referencing unknown products are skipped, not failed: suppliers
// routinely ship items the institution does not carry, and a single bad row
// must not block a multi-thousand-line delivery.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/coopvida/poscore/internal/domain/stock"
	"github.com/coopvida/poscore/internal/repository"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
	progressEvery = 100_000
)

// entry is one parsed delivery line.
type entry struct {
	ProductID string
	Quantity  int
}

// fileResult holds the parsed entries of a single manifest.
type fileResult struct {
	path    string
	entries []entry
	skipped int
}

func main() {
	var (
		dataDir     string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz delivery manifests")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
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

	if err := run(ctx, dataDir, databaseURL); err != nil {
		slog.Error("stock import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("stock import completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list manifests")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz manifests in %s", dataDir)
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	// Known-product filter. A bloom miss is a definite unknown; a hit still
	// goes through the ledger, which re-checks against the products table.
	known, err := loadProductFilter(ctx, pool)
	if err != nil {
		return errors.Wrap(err, "load product filter")
	}

	slog.Info("parsing manifests", slog.Int("files", len(files)))

	results, err := parseManifests(ctx, files, known)
	if err != nil {
		return errors.Wrap(err, "parse manifests")
	}

	txm := repository.NewTxManager(pool)
	ledger := stock.NewLedger(repository.NewStockStore(pool, txm))

	return applyEntries(ctx, ledger, results)
}

const listProductIDsSQL = `SELECT id FROM products WHERE active = TRUE`

func loadProductFilter(ctx context.Context, pool *pgxpool.Pool) (*bloom.BloomFilter, error) {
	rows, err := pool.Query(ctx, listProductIDsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "query product ids")
	}
	defer rows.Close()

	filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
	var count int
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan product id")
		}
		filter.AddString(id)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate product ids")
	}

	slog.Info("product filter ready", slog.Int("products", count))
	return filter, nil
}

// parseManifests parses all manifest files concurrently.
func parseManifests(ctx context.Context, files []string, known *bloom.BloomFilter) ([]fileResult, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(parseManifest(ctx, i, f, known, results))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func parseManifest(ctx context.Context, idx int, path string, known *bloom.BloomFilter, results []fileResult) func() error {
	return func() error {
		res := fileResult{path: path}
		// Repeated (product, reference) pairs are duplicate scans of the
		// same pallet line; only the first counts.
		seen := make(map[string]struct{})
		var lines uint64

		if err := streamGzFile(ctx, path, func(line string) {
			lines++
			if lines%progressEvery == 0 {
				slog.Info("parse progress", slog.String("file", filepath.Base(path)), slog.Uint64("lines", lines))
			}

			e, ref, ok := parseLine(line)
			if !ok {
				res.skipped++
				return
			}
			if !known.TestString(e.ProductID) {
				res.skipped++
				return
			}
			if ref != "" {
				key := e.ProductID + ":" + ref
				if _, dup := seen[key]; dup {
					res.skipped++
					return
				}
				seen[key] = struct{}{}
			}
			res.entries = append(res.entries, e)
		}); err != nil {
			return errors.Wrapf(err, "parse %s", path)
		}

		slog.Info("parse complete",
			slog.String("file", filepath.Base(path)),
			slog.Int("entries", len(res.entries)),
			slog.Int("skipped", res.skipped),
		)

		results[idx] = res
		return nil
	}
}

// parseLine splits "product_id,quantity,reference". The reference column is
// optional.
func parseLine(line string) (entry, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return entry{}, "", false
	}

	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return entry{}, "", false
	}

	qty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || qty <= 0 {
		return entry{}, "", false
	}

	ref := ""
	if len(parts) > 2 {
		ref = strings.TrimSpace(parts[2])
	}

	return entry{ProductID: strings.TrimSpace(parts[0]), Quantity: qty}, ref, true
}

// applyEntries books each delivery line as a stock entry. Entries are applied
// sequentially: each one locks its product row, and hammering the same few
// rows from many goroutines would only cause lock conflicts.
func applyEntries(ctx context.Context, ledger *stock.Ledger, results []fileResult) error {
	var applied, units int
	for _, res := range results {
		actor := "import:" + filepath.Base(res.path)
		for _, e := range res.entries {
			if _, err := ledger.Increment(ctx, e.ProductID, e.Quantity, actor); err != nil {
				if errors.Is(err, stock.ErrProductNotFound) {
					continue
				}
				return errors.Wrapf(err, "book entry for %s", e.ProductID)
			}
			applied++
			units += e.Quantity
		}
	}

	slog.Info("entries booked", slog.Int("movements", applied), slog.Int("units", units))
	return nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}
