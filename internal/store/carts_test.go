package store

import (
	"context"
	"testing"
	"time"

	"funnel-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStoreFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestClaimReceipt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE carts SET receipt_sent = true`).
		WithArgs("cart1", models.CartStageUpsellCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimReceipt(context.Background(), "cart1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReceiptAlreadyTaken(t *testing.T) {
	s, mock := newMockStore(t)

	// Zero rows: another path already holds the claim.
	mock.ExpectExec(`UPDATE carts SET receipt_sent = true`).
		WithArgs("cart1", models.CartStageUpsellCreated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ClaimReceipt(context.Background(), "cart1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdvanceToConverted(t *testing.T) {
	s, mock := newMockStore(t)

	params := &ConversionParams{
		Stage:            models.CartStageUpsellCreated,
		FanID:            "fan1",
		OrderID:          7,
		Email:            "amy@example.com",
		ChargeID:         "ch_1",
		PaymentMethodID:  "pm_1",
		StripeCustomerID: "cus_1",
	}

	// An empty billing email must never overwrite the checkout email.
	mock.ExpectExec(`email = COALESCE\(NULLIF\(\$5, ''\), email\)`).
		WithArgs("cart1", params.Stage, params.FanID, params.OrderID, params.Email,
			params.ChargeID, params.PaymentMethodID, params.StripeCustomerID, params.ReceiptSent,
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AdvanceToConverted(context.Background(), "cart1", params)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdvanceToConvertedRedelivery(t *testing.T) {
	s, mock := newMockStore(t)

	// Cart already past the pre-conversion stages: the update matches no
	// rows and the caller treats the webhook as a duplicate.
	mock.ExpectExec(`UPDATE carts SET`).
		WithArgs("cart1", models.CartStageCheckoutConverted, "fan1", int64(7), "amy@example.com",
			"ch_1", "pm_1", "cus_1", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AdvanceToConverted(context.Background(), "cart1", &ConversionParams{
		Stage:            models.CartStageCheckoutConverted,
		FanID:            "fan1",
		OrderID:          7,
		Email:            "amy@example.com",
		ChargeID:         "ch_1",
		PaymentMethodID:  "pm_1",
		StripeCustomerID: "cus_1",
		ReceiptSent:      true,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveUpsellWinnerTakesReceipt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE carts SET stage = \$2, receipt_sent = true`).
		WithArgs("cart1", models.CartStageUpsellAbandoned, models.CartStageUpsellCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.MarkUpsellAbandoned(context.Background(), "cart1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second resolution attempt loses the compare-and-swap.
	mock.ExpectExec(`UPDATE carts SET stage = \$2, receipt_sent = true`).
		WithArgs("cart1", models.CartStageUpsellDeclined, models.CartStageUpsellCreated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.MarkUpsellDeclined(context.Background(), "cart1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkUpsellConvertedGuardsStage(t *testing.T) {
	s, mock := newMockStore(t)

	params := &UpsellConversionParams{
		PaymentIntentID: "pi_up",
		ChargeID:        "ch_up",
		ProductAmount:   1800,
		ShippingAmount:  600,
		VatAmount:       0,
		Amount:          2400,
	}

	mock.ExpectExec(`UPDATE carts SET`).
		WithArgs("cart1", models.CartStageUpsellConverted,
			params.PaymentIntentID, params.ChargeID, params.ApparelSize,
			params.ProductAmount, params.ShippingAmount, params.VatAmount, params.Amount,
			models.CartStageUpsellCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.MarkUpsellConverted(context.Background(), "cart1", params)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCountWorkspaceOrders(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM carts`).
		WithArgs("ws1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))

	count, err := s.CountWorkspaceOrders(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(41), count)
}

func TestFlagAbandonedCheckouts(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-2 * time.Hour)

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "funnel_id", "stage"}).
		AddRow("cart1", "ws1", "fn1", models.CartStageCheckoutAbandoned)

	mock.ExpectQuery(`UPDATE carts SET stage = \$1`).
		WithArgs(models.CartStageCheckoutAbandoned, models.CartStageCheckoutCreated, cutoff).
		WillReturnRows(rows)

	carts, err := s.FlagAbandonedCheckouts(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, models.CartStageCheckoutAbandoned, carts[0].Stage)
}
