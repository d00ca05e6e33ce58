package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

const (
	uniqueViolation     = "23505"
	invalidTextForValue = "22P02" // e.g. a malformed uuid, which cannot match any row
)

// PostgresStore implements Store on postgres. The trolley row is locked with
// SELECT ... FOR UPDATE, and a partial unique index guards one active session per trolley.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(cred *Credentials) (*PostgresStore, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	slog.Info("connected to postgres", slog.String("host", cred.Host), slog.String("db", cred.DBName))
	return &PostgresStore{db: db}, nil
}

func (r *PostgresStore) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "trolley_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &postgresTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}

func (r *PostgresStore) SessionTrolley(ctx context.Context, sessionID string) (string, error) {
	var trolleyID string
	err := r.db.QueryRowContext(ctx, `SELECT trolley_id FROM sessions WHERE id = $1`, sessionID).Scan(&trolleyID)
	if err != nil {
		return "", mapErr(err)
	}
	return trolleyID, nil
}

func (r *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, selectSession+` WHERE id = $1`, sessionID))
}

func (r *PostgresStore) GetPayment(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx, selectPayment+` WHERE session_id = $1`, sessionID))
}

func (r *PostgresStore) GetTrolley(ctx context.Context, trolleyID string) (*domain.Trolley, error) {
	return scanTrolley(r.db.QueryRowContext(ctx, selectTrolley+` WHERE id = $1`, trolleyID))
}

func (r *PostgresStore) ListTrolleys(ctx context.Context) ([]*domain.Trolley, error) {
	rows, err := r.db.QueryContext(ctx, selectTrolley+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query trolleys: %w", err)
	}
	defer rows.Close()

	var trolleys []*domain.Trolley
	for rows.Next() {
		t, err := scanTrolley(rows)
		if err != nil {
			return nil, err
		}
		trolleys = append(trolleys, t)
	}
	return trolleys, rows.Err()
}

func (r *PostgresStore) CreateUser(ctx context.Context, user *domain.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, name, phone, email, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Name, user.Phone, nullString(user.Email), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", mapErr(err))
	}
	return nil
}

func (r *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, userID))
}

func (r *PostgresStore) StuckSettlements(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.session_id FROM payments p
		JOIN sessions s ON s.id = p.session_id
		WHERE p.status = $1 AND s.is_active
		ORDER BY p.paid_at
		LIMIT $2`, domain.PaymentStatusSuccess, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck settlements: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck settlement: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload, created_at, processed_at
		FROM outbox_events WHERE processed_at IS NULL
		ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *PostgresStore) MarkEventAsProcessed(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return expectOne(res)
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresStore) Close() error {
	return r.db.Close()
}

type postgresTx struct {
	tx *sql.Tx
}

func (p *postgresTx) InsertTrolley(ctx context.Context, t *domain.Trolley) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO trolleys (id, is_active, is_locked, is_assigned, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.IsActive, t.IsLocked, t.IsAssigned, t.LastSeen, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trolley: %w", err)
	}
	return nil
}

func (p *postgresTx) GetTrolley(ctx context.Context, trolleyID string) (*domain.Trolley, error) {
	return scanTrolley(p.tx.QueryRowContext(ctx, selectTrolley+` WHERE id = $1 FOR UPDATE`, trolleyID))
}

func (p *postgresTx) SaveTrolley(ctx context.Context, t *domain.Trolley) error {
	res, err := p.tx.ExecContext(ctx, `
		UPDATE trolleys SET is_active = $2, is_locked = $3, is_assigned = $4, assigned_user = $5, last_seen = $6
		WHERE id = $1`,
		t.ID, t.IsActive, t.IsLocked, t.IsAssigned, nullString(t.AssignedUser), t.LastSeen)
	if err != nil {
		return fmt.Errorf("update trolley: %w", err)
	}
	return expectOne(res)
}

func (p *postgresTx) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return scanSession(p.tx.QueryRowContext(ctx, selectSession+` WHERE id = $1`, sessionID))
}

func (p *postgresTx) ActiveSession(ctx context.Context, trolleyID string) (*domain.Session, error) {
	return scanSession(p.tx.QueryRowContext(ctx,
		selectSession+` WHERE trolley_id = $1 AND is_active ORDER BY created_at DESC LIMIT 1`, trolleyID))
}

func (p *postgresTx) CreateSession(ctx context.Context, s *domain.Session) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, trolley_id, user_id, is_active, last_activity, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.TrolleyID, nullString(s.UserID), s.IsActive, s.LastActivity, s.CreatedAt, s.EndedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", mapErr(err))
	}
	return nil
}

func (p *postgresTx) UpdateSession(ctx context.Context, s *domain.Session) error {
	res, err := p.tx.ExecContext(ctx, `
		UPDATE sessions SET is_active = $2, last_activity = $3, ended_at = $4 WHERE id = $1`,
		s.ID, s.IsActive, s.LastActivity, s.EndedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", mapErr(err))
	}
	return expectOne(res)
}

func (p *postgresTx) CartItems(ctx context.Context, sessionID string) ([]domain.CartItem, error) {
	rows, err := p.tx.QueryContext(ctx, selectCartItem+` WHERE session_id = $1 ORDER BY created_at, barcode`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	items := []domain.CartItem{}
	for rows.Next() {
		item, err := scanCartItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (p *postgresTx) GetCartItem(ctx context.Context, sessionID, barcode string) (*domain.CartItem, error) {
	return scanCartItem(p.tx.QueryRowContext(ctx, selectCartItem+` WHERE session_id = $1 AND barcode = $2`, sessionID, barcode))
}

func (p *postgresTx) SaveCartItem(ctx context.Context, item *domain.CartItem) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO cart_items (session_id, barcode, name, unit_price, quantity, subtotal, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, barcode) DO UPDATE
		SET name = EXCLUDED.name, unit_price = EXCLUDED.unit_price, quantity = EXCLUDED.quantity,
		    subtotal = EXCLUDED.subtotal, updated_at = EXCLUDED.updated_at`,
		item.SessionID, item.Barcode, item.Name, item.UnitPrice, item.Quantity, item.Subtotal, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (p *postgresTx) DeleteCartItem(ctx context.Context, sessionID, barcode string) error {
	res, err := p.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE session_id = $1 AND barcode = $2`, sessionID, barcode)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return expectOne(res)
}

func (p *postgresTx) ClearCart(ctx context.Context, sessionID string) error {
	if _, err := p.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (p *postgresTx) GetPayment(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return scanPayment(p.tx.QueryRowContext(ctx, selectPayment+` WHERE session_id = $1 FOR UPDATE`, sessionID))
}

func (p *postgresTx) SavePayment(ctx context.Context, pay *domain.Payment) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO payments (session_id, amount, status, payment_string, created_at, updated_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE
		SET amount = EXCLUDED.amount, status = EXCLUDED.status, payment_string = EXCLUDED.payment_string,
		    updated_at = EXCLUDED.updated_at, paid_at = EXCLUDED.paid_at`,
		pay.SessionID, pay.Amount, pay.Status, pay.PaymentString, pay.CreatedAt, pay.UpdatedAt, pay.PaidAt)
	if err != nil {
		return fmt.Errorf("upsert payment: %w", err)
	}
	return nil
}

func (p *postgresTx) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return scanUser(p.tx.QueryRowContext(ctx, selectUser+` WHERE id = $1`, userID))
}

func (p *postgresTx) AppendEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error {
	_, err := p.tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
		aggregateID, eventType, payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

const (
	selectTrolley  = `SELECT id, is_active, is_locked, is_assigned, COALESCE(assigned_user::text, ''), last_seen, created_at FROM trolleys`
	selectSession  = `SELECT id, trolley_id, COALESCE(user_id::text, ''), is_active, last_activity, created_at, ended_at FROM sessions`
	selectCartItem = `SELECT session_id, barcode, name, unit_price, quantity, subtotal, created_at, updated_at FROM cart_items`
	selectPayment  = `SELECT session_id, amount, status, payment_string, created_at, updated_at, paid_at FROM payments`
	selectUser     = `SELECT id, name, phone, COALESCE(email, ''), created_at FROM users`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanTrolley(row scanner) (*domain.Trolley, error) {
	var t domain.Trolley
	if err := row.Scan(&t.ID, &t.IsActive, &t.IsLocked, &t.IsAssigned, &t.AssignedUser, &t.LastSeen, &t.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func scanSession(row scanner) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.TrolleyID, &s.UserID, &s.IsActive, &s.LastActivity, &s.CreatedAt, &s.EndedAt); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func scanCartItem(row scanner) (*domain.CartItem, error) {
	var i domain.CartItem
	if err := row.Scan(&i.SessionID, &i.Barcode, &i.Name, &i.UnitPrice, &i.Quantity, &i.Subtotal, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &i, nil
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var p domain.Payment
	if err := row.Scan(&p.SessionID, &p.Amount, &p.Status, &p.PaymentString, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Name, &u.Phone, &u.Email, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// mapErr translates driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return ErrConflict
		case invalidTextForValue:
			return ErrNotFound
		}
	}
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
