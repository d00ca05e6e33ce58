package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

// Repository reads products from the catalog database.
type Repository interface {
	GetProduct(ctx context.Context, barcode string) (*domain.Product, error)
	ListProducts(ctx context.Context, category string) ([]*domain.Product, error)
}

// SQLiteRepository is the catalog database. The trolley core only ever reads from it.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// sqlite allows one writer; migrations are the only writes
	db.SetMaxOpenConns(1)
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) GetProduct(ctx context.Context, barcode string) (*domain.Product, error) {
	query := `SELECT barcode, name, price, category, is_active FROM products WHERE barcode = ?`

	p, err := scanProduct(r.db.QueryRowContext(ctx, query, barcode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product %s: %w", barcode, err)
	}
	return p, nil
}

// ListProducts returns active products, optionally narrowed to one category.
func (r *SQLiteRepository) ListProducts(ctx context.Context, category string) ([]*domain.Product, error) {
	query := `SELECT barcode, name, price, category, is_active FROM products
	          WHERE is_active = 1 AND (? = '' OR category = ?) ORDER BY category, name`

	rows, err := r.db.QueryContext(ctx, query, category, category)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := []*domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.Barcode, &p.Name, &p.Price, &p.Category, &p.IsActive); err != nil {
		return nil, err
	}
	p.Price = domain.RoundMoney(p.Price)
	return &p, nil
}
