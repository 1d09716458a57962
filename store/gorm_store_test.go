package store

import (
	"context"
	"testing"
	"time"

	"sign-bounty-system/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	return NewGormStore(gdb), mock
}

func TestGormStore_GetCampaignNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "campaigns" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetCampaign(context.Background(), "c-missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CreateClaimOnClaimedReport(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "sign_reports" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "status", "active_claim_id"}).
			AddRow("r-1", "c-1", "claimed", "cl-0"))
	mock.ExpectRollback()

	err := s.CreateClaim(context.Background(), newClaim("cl-1", "r-1", "w-2", t0))
	assert.ErrorIs(t, err, models.ErrAlreadyClaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CreateClaimLosesToActiveClaimIndex(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "sign_reports" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "status"}).
			AddRow("r-1", "c-1", "open"))
	mock.ExpectExec(`INSERT INTO "claims"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint \"idx_claims_one_active\""})
	mock.ExpectRollback()

	err := s.CreateClaim(context.Background(), newClaim("cl-1", "r-1", "w-2", t0))
	assert.ErrorIs(t, err, models.ErrAlreadyClaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CompleteClaimAfterDeadlineCommitsExpiry(t *testing.T) {
	s, mock := newMockStore(t)
	now := t0.Add(2*time.Hour + time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "id","sign_report_id" FROM "claims" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sign_report_id"}).AddRow("cl-1", "r-1"))
	mock.ExpectQuery(`SELECT "id" FROM "sign_reports" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1"))
	mock.ExpectQuery(`SELECT \* FROM "claims" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sign_report_id", "campaign_id", "worker_id", "status", "claimed_at", "expires_at"}).
			AddRow("cl-1", "r-1", "c-1", "w-1", "active", t0, t0.Add(2*time.Hour)))
	mock.ExpectExec(`UPDATE "claims" SET .*WHERE id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "sign_reports" SET .*WHERE id = \$\d+ AND active_claim_id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := &models.PayoutRecord{ID: "p-1", CampaignID: "c-1", WorkerID: "w-1", Amount: 2500, Status: models.PayoutPending}
	err := s.CompleteClaim(context.Background(), "cl-1", "proofs/a.jpg", now, p)
	assert.ErrorIs(t, err, models.ErrClaimExpired)
	assert.NoError(t, mock.ExpectationsWereMet(), "expiry commits and no payout is inserted")
}

func TestGormStore_CreateReportSuppressesNearbyDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "id" FROM "campaigns" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1"))
	mock.ExpectQuery(`SELECT \* FROM "sign_reports" WHERE campaign_id = \$1 AND status IN \(\$2,\$3\) .*created_at >= \$4`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "latitude", "longitude", "status", "created_at"}).
			AddRow("r-1", "c-1", 40.0, -75.0, "open", t0))
	mock.ExpectRollback()

	r := &models.SignReport{ID: "r-2", CampaignID: "c-1", Status: models.ReportOpen,
		Timestamps: models.Timestamps{CreatedAt: t0.Add(time.Hour), UpdatedAt: t0.Add(time.Hour)}}
	r.SetLocation(&models.Location{Latitude: 40.0002, Longitude: -75.0})
	err := s.CreateReport(context.Background(), r, DuplicateRule{RadiusM: 50, Window: 24 * time.Hour})
	assert.ErrorIs(t, err, models.ErrDuplicateReport)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_StartPayoutAttemptIsCompareAndSwap(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payout_records" SET .*attempts = attempts \+ 1.*WHERE id = \$\d+ AND attempts = \$\d+ AND status <> \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payout_records" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := s.StartPayoutAttempt(ctx, "p-1", 0, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.StartPayoutAttempt(ctx, "p-1", 0, t0)
	require.NoError(t, err)
	assert.False(t, ok, "second dispatcher must lose")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_FinishPayoutAttemptIgnoresStaleAttempt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "payout_records" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "claim_id", "campaign_id", "worker_id", "amount", "status", "attempts"}).
			AddRow("p-1", "cl-1", "c-1", "w-1", 2500, "failed", 2))
	mock.ExpectCommit()

	ok, err := s.FinishPayoutAttempt(context.Background(), "p-1", PayoutResult{Attempt: 1, Succeeded: true, At: t0})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet(), "no earnings or counter writes for a stale attempt")
}

func TestGormStore_AddCampaignCountersUnknownCampaign(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "campaigns" SET .*signs_removed = signs_removed \+ \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.AddCampaignCounters(context.Background(), "c-missing", models.CampaignStats{SignsRemoved: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_RecountCampaignRewritesDriftedCounters(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "campaigns" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "signs_deployed", "signs_reported", "signs_removed", "total_bounty_paid"}).
			AddRow("c-1", "active", 3, 9, 1, 0))
	mock.ExpectQuery(`SELECT "count" FROM "deployments" WHERE campaign_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2).AddRow(1))
	mock.ExpectQuery(`SELECT "status" FROM "sign_reports" WHERE campaign_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("open").AddRow("verified").AddRow("expired"))
	mock.ExpectQuery(`SELECT "status","amount" FROM "payout_records" WHERE campaign_id = \$1 AND status = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "amount"}).AddRow("succeeded", 2500))
	mock.ExpectExec(`UPDATE "campaigns" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	before, after, err := s.RecountCampaign(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStats{SignsDeployed: 3, SignsReported: 9, SignsRemoved: 1}, before)
	assert.Equal(t, models.CampaignStats{SignsDeployed: 3, SignsReported: 2, SignsRemoved: 1, TotalBountyPaid: 2500}, after)
	assert.NoError(t, mock.ExpectationsWereMet())
}
