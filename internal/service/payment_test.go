package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/repository"
)

var errInjected = errors.New("injected storage failure")

type fault int

const (
	faultNone fault = iota
	// the unit commits, then the store reports an error
	faultAfterCommit
	// the unit is rolled back and the store reports an error
	faultRollback
	// session, trolley and cart writes are lost, the rest commits
	faultPartial
	// as faultPartial, but the store reports success
	faultPartialSilent
)

// faultyStore injects a failure into the next unit of work.
type faultyStore struct {
	repository.Store
	mu   sync.Mutex
	next fault
}

func (s *faultyStore) failNext(f fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = f
}

func (s *faultyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	f := s.next
	s.next = faultNone
	s.mu.Unlock()

	switch f {
	case faultAfterCommit:
		if err := s.Store.InTx(ctx, fn); err != nil {
			return err
		}
		return errInjected
	case faultRollback:
		return s.Store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return errInjected
		})
	case faultPartial, faultPartialSilent:
		err := s.Store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return fn(ctx, lossyTx{Tx: tx})
		})
		if err != nil || f == faultPartialSilent {
			return err
		}
		return errInjected
	default:
		return s.Store.InTx(ctx, fn)
	}
}

type lossyTx struct {
	repository.Tx
}

func (lossyTx) UpdateSession(context.Context, *domain.Session) error { return nil }
func (lossyTx) SaveTrolley(context.Context, *domain.Trolley) error { return nil }
func (lossyTx) ClearCart(context.Context, string) error { return nil }

func setupFaultyService(t *testing.T) (*testEnv, *faultyStore) {
	t.Helper()
	store := &faultyStore{Store: repository.NewMemoryStore()}
	return setupServiceWithStore(t, store), store
}

func TestCheckout_FullScenario(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")

	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)
	res, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)
	assert.Equal(t, "70.00", domain.FormatMoney(res.Cart.Total))

	res, err = env.svc.Remove(ctx, sess.ID, "B1")
	require.NoError(t, err)
	assert.Equal(t, "35.00", domain.FormatMoney(res.Cart.Total))

	p, err := env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.Equal(t, "35.00", domain.FormatMoney(p.Amount))
	assert.Equal(t,
		"upi://pay?pa=smarttrolley@upi&pn=SmartTrolley&am=35.00&cu=INR&tn=Payment_for_session_"+sess.ID,
		p.PaymentString)

	p, err = env.svc.ConfirmPayment(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, p.Status)
	require.NotNil(t, p.PaidAt)

	assert.Empty(t, env.cartItems(t, sess.ID))
	_, state, err := env.svc.SessionState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateEnded, state)
	tr, err := env.svc.GetTrolley(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, tr.IsFree())

	view, err := env.svc.PaymentStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, view.Status)
	assert.Equal(t, "35.00", domain.FormatMoney(view.Amount))
	assert.False(t, view.SessionActive)

	assert.Equal(t, []string{
		domain.EventSessionStarted,
		domain.EventPaymentSettled,
		domain.EventSessionEnded,
	}, env.events(t))
	assert.Equal(t, 1, env.recorder.settled)
	assert.Equal(t, 1, env.recorder.ended[domain.EndReasonPaid])

	// the trolley is immediately reusable
	env.start(t, "T1")
}

func TestCreatePayment_EmptyCart(t *testing.T) {
	env := setupService(t)
	sess := env.start(t, "T1")

	_, err := env.svc.CreatePayment(context.Background(), sess.ID)

	assert.ErrorIs(t, err, domain.ErrCartEmpty)
}

func TestCreatePayment_RecreateRecomputesAmount(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")
	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)
	first, err := env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)

	_, err = env.svc.AddBySession(ctx, sess.ID, "B2")
	require.NoError(t, err)
	second, err := env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, "91.50", domain.FormatMoney(second.Amount))
	assert.Equal(t, domain.PaymentStatusPending, second.Status)
	assert.Contains(t, second.PaymentString, "am=91.50")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreatePayment_CountsAsActivity(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")
	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)

	env.clock.Advance(20 * time.Second)
	_, err = env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)
	env.clock.Advance(20 * time.Second)

	_, err = env.svc.ConfirmPayment(ctx, sess.ID)
	assert.NoError(t, err)
}

func TestConfirmPayment_WithoutPayment(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")
	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)

	_, err = env.svc.ConfirmPayment(ctx, sess.ID)

	assert.ErrorIs(t, err, domain.ErrNoPayment)
	assert.Len(t, env.cartItems(t, sess.ID), 1)
}

func TestConfirmPayment_SettledSessionIsInactive(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")
	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)
	_, err = env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)
	_, err = env.svc.ConfirmPayment(ctx, sess.ID)
	require.NoError(t, err)

	_, err = env.svc.ConfirmPayment(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionInactive)
	_, err = env.svc.CreatePayment(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionInactive)
}

func TestConfirmPayment_ExpiredSession(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")
	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)
	_, err = env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)

	env.clock.Advance(testTimeout + time.Second)
	_, err = env.svc.ConfirmPayment(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	view, err := env.svc.PaymentStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, view.Status)
	assert.False(t, view.SessionActive)
}

func TestPaymentStatus(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")

	view, err := env.svc.PaymentStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusNotCreated, view.Status)
	assert.True(t, view.SessionActive)
	assert.True(t, view.Amount.IsZero())

	_, err = env.svc.PaymentStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestPaymentStatus_DoesNotExpireSession(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := env.start(t, "T1")

	env.clock.Advance(time.Hour)
	view, err := env.svc.PaymentStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, view.SessionActive)

	_, state, err := env.svc.SessionState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateExpired, state)
}

func checkoutReady(t *testing.T, env *testEnv) *domain.Session {
	t.Helper()
	ctx := context.Background()
	sess := env.start(t, "T1")
	_, err := env.svc.AddBySession(ctx, sess.ID, "B1")
	require.NoError(t, err)
	_, err = env.svc.CreatePayment(ctx, sess.ID)
	require.NoError(t, err)
	return sess
}

func assertSettled(t *testing.T, env *testEnv, sessionID string) {
	t.Helper()
	ctx := context.Background()

	view, err := env.svc.PaymentStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, view.Status)
	assert.False(t, view.SessionActive)
	assert.Empty(t, env.cartItems(t, sessionID))

	tr, err := env.svc.GetTrolley(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, tr.IsFree())
}

func TestConfirmPayment_ErrorAfterCommitReportsSuccess(t *testing.T) {
	env, store := setupFaultyService(t)
	sess := checkoutReady(t, env)

	store.failNext(faultAfterCommit)
	p, err := env.svc.ConfirmPayment(context.Background(), sess.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, p.Status)
	assertSettled(t, env, sess.ID)
}

func TestConfirmPayment_PartialCommitIsReconciled(t *testing.T) {
	env, store := setupFaultyService(t)
	sess := checkoutReady(t, env)

	store.failNext(faultPartial)
	p, err := env.svc.ConfirmPayment(context.Background(), sess.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, p.Status)
	assertSettled(t, env, sess.ID)
	assert.Equal(t, 1, env.recorder.reconciled)
}

func TestConfirmPayment_RolledBackSettlementStaysPending(t *testing.T) {
	env, store := setupFaultyService(t)
	ctx := context.Background()
	sess := checkoutReady(t, env)

	store.failNext(faultRollback)
	_, err := env.svc.ConfirmPayment(ctx, sess.ID)
	require.ErrorIs(t, err, errInjected)

	view, err := env.svc.PaymentStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, view.Status)
	assert.True(t, view.SessionActive)
	assert.Len(t, env.cartItems(t, sess.ID), 1)

	// the shopper can retry
	p, err := env.svc.ConfirmPayment(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, p.Status)
}

func TestReconcileSettlement_FinishesStuckSession(t *testing.T) {
	env, store := setupFaultyService(t)
	ctx := context.Background()
	sess := checkoutReady(t, env)

	store.failNext(faultPartialSilent)
	_, err := env.svc.ConfirmPayment(ctx, sess.ID)
	require.NoError(t, err)

	_, err = env.svc.CreatePayment(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyPaid)

	stuck, err := env.store.StuckSettlements(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, stuck)

	p, err := env.svc.ReconcileSettlement(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, p.Status)
	assertSettled(t, env, sess.ID)

	stuck, err = env.store.StuckSettlements(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestReconcileSettlement_LeavesPendingPaymentAlone(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	sess := checkoutReady(t, env)

	p, err := env.svc.ReconcileSettlement(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)

	_, state, err := env.svc.SessionState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateActive, state)
	assert.Equal(t, 0, env.recorder.reconciled)
}
