package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

// Common errors returned by the stores
var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write would break a uniqueness rule,
	// most importantly the one-active-session-per-trolley constraint.
	ErrConflict = errors.New("unique constraint violated")
)

// Credentials for the postgres store.
type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// OutboxEvent is a state change waiting to be published.
type OutboxEvent struct {
	ID          int64
	AggregateID string // session id, used as the kafka key
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Store is the persistence port of the trolley core.
// Consumers define narrower interfaces where they need only part of it.
type Store interface {
	// InTx runs fn as one atomic unit. A nil return commits, any error rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// SessionTrolley returns the trolley a session belongs to. It never changes,
	// so it can be read before taking the trolley lock.
	SessionTrolley(ctx context.Context, sessionID string) (string, error)

	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetPayment(ctx context.Context, sessionID string) (*domain.Payment, error)
	GetTrolley(ctx context.Context, trolleyID string) (*domain.Trolley, error)
	ListTrolleys(ctx context.Context) ([]*domain.Trolley, error)

	// CreateUser returns ErrConflict when the phone number is taken.
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// StuckSettlements lists sessions whose payment is SUCCESS but which are still active.
	StuckSettlements(ctx context.Context, limit int) ([]string, error)

	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	// InsertTrolley creates the trolley unless it already exists.
	InsertTrolley(ctx context.Context, t *domain.Trolley) error
	// GetTrolley reads the trolley and holds its row for the rest of the unit.
	GetTrolley(ctx context.Context, trolleyID string) (*domain.Trolley, error)
	SaveTrolley(ctx context.Context, t *domain.Trolley) error

	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// ActiveSession returns the most recent active session of the trolley.
	ActiveSession(ctx context.Context, trolleyID string) (*domain.Session, error)
	// CreateSession returns ErrConflict if the trolley already has an active session.
	CreateSession(ctx context.Context, s *domain.Session) error
	UpdateSession(ctx context.Context, s *domain.Session) error

	CartItems(ctx context.Context, sessionID string) ([]domain.CartItem, error)
	GetCartItem(ctx context.Context, sessionID, barcode string) (*domain.CartItem, error)
	SaveCartItem(ctx context.Context, item *domain.CartItem) error
	DeleteCartItem(ctx context.Context, sessionID, barcode string) error
	ClearCart(ctx context.Context, sessionID string) error

	GetPayment(ctx context.Context, sessionID string) (*domain.Payment, error)
	SavePayment(ctx context.Context, p *domain.Payment) error

	GetUser(ctx context.Context, userID string) (*domain.User, error)

	AppendEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error
}
