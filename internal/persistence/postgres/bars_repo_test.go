package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/chronoretrace/internal/models"
	"github.com/sawpanic/chronoretrace/internal/persistence"
)

var barCols = []string{
	"code", "trade_date", "open", "high", "low", "close",
	"volume", "amount", "change_pct", "source", "retrieved_at",
}

func newMockRepo(t *testing.T) (persistence.BarsRepo, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return NewBarsRepo(db, 5*time.Second), mock
}

func sampleBar(code string, date time.Time, close float64) models.Bar {
	return models.Bar{
		Code:        code,
		Date:        date,
		Open:        close - 0.5,
		High:        close + 0.5,
		Low:         close - 1.0,
		Close:       close,
		Volume:      10000,
		Amount:      close * 10000,
		ChangePct:   1.2,
		Source:      "akshare",
		RetrievedAt: date.Add(18 * time.Hour),
	}
}

func TestUpsertDailyBars(t *testing.T) {
	repo, mock := newMockRepo(t)

	d1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	bars := []models.Bar{sampleBar("sh600000", d1, 10.5), sampleBar("sh600000", d2, 10.8)}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO daily_bars")
	for _, b := range bars {
		prep.ExpectExec().
			WithArgs(b.Code, b.Date, b.Open, b.High, b.Low, b.Close,
				b.Volume, b.Amount, b.ChangePct, b.Source, b.RetrievedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	written, err := repo.UpsertDailyBars(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDailyBarsEmptyBatch(t *testing.T) {
	repo, mock := newMockRepo(t)

	written, err := repo.UpsertDailyBars(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDailyBarsRejectsEmptyCode(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO daily_bars")
	mock.ExpectRollback()

	d := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err := repo.UpsertDailyBars(context.Background(), []models.Bar{sampleBar("", d, 10.5)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty code")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDailyBarsNamesPgCondition(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO daily_bars")
	prep.ExpectExec().WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	d := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err := repo.UpsertDailyBars(context.Background(), []models.Bar{sampleBar("sh600000", d, 10.5)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unique_violation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByCode(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	b1 := sampleBar("sh600000", from.AddDate(0, 0, 3), 10.5)
	b2 := sampleBar("sh600000", from.AddDate(0, 0, 4), 10.8)

	rows := sqlmock.NewRows(barCols)
	for _, b := range []models.Bar{b1, b2} {
		rows.AddRow(b.Code, b.Date, b.Open, b.High, b.Low, b.Close,
			b.Volume, b.Amount, b.ChangePct, b.Source, b.RetrievedAt)
	}

	mock.ExpectQuery("SELECT (.+) FROM daily_bars").
		WithArgs("sh600000", from, to, 500).
		WillReturnRows(rows)

	got, err := repo.ListByCode(context.Background(), "sh600000", persistence.TimeRange{From: from, To: to}, 500)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b1.Date, got[0].Date)
	assert.Equal(t, 10.8, got[1].Close)
	assert.Equal(t, "akshare", got[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByCodeDefaultLimit(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	mock.ExpectQuery("SELECT (.+) FROM daily_bars").
		WithArgs("sh600000", from, to, defaultListLimit).
		WillReturnRows(sqlmock.NewRows(barCols))

	got, err := repo.ListByCode(context.Background(), "sh600000", persistence.TimeRange{From: from, To: to}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest(t *testing.T) {
	repo, mock := newMockRepo(t)

	b := sampleBar("sz000001", time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), 15.2)
	rows := sqlmock.NewRows(barCols).
		AddRow(b.Code, b.Date, b.Open, b.High, b.Low, b.Close,
			b.Volume, b.Amount, b.ChangePct, b.Source, b.RetrievedAt)

	mock.ExpectQuery("SELECT (.+) FROM daily_bars").
		WithArgs("sz000001").
		WillReturnRows(rows)

	got, err := repo.Latest(context.Background(), "sz000001")
	require.NoError(t, err)
	assert.Equal(t, 15.2, got.Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestNoRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM daily_bars").
		WithArgs("sz999999").
		WillReturnRows(sqlmock.NewRows(barCols))

	_, err := repo.Latest(context.Background(), "sz999999")
	assert.ErrorIs(t, err, persistence.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountResolvesOpenUpperBound(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, to := persistence.TimeRange{From: from}.Bounds()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(9000)))

	count, err := repo.Count(context.Background(), persistence.TimeRange{From: from})
	require.NoError(t, err)
	assert.Equal(t, int64(9000), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountBySource(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	mock.ExpectQuery("SELECT source, COUNT").
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"source", "count"}).
			AddRow("akshare", int64(240)).
			AddRow("baostock", int64(12)))

	counts, err := repo.CountBySource(context.Background(), persistence.TimeRange{From: from, To: to})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"akshare": 240, "baostock": 12}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	hc := NewHealthChecker(sqlx.NewDb(mockDB, "postgres"), 2*time.Second)

	mock.ExpectPing()
	check := hc.Health(context.Background())
	assert.True(t, check.Healthy)
	assert.Empty(t, check.Errors)
	assert.Contains(t, check.ConnectionPool, "open")

	mock.ExpectPing().WillReturnError(assert.AnError)
	check = hc.Health(context.Background())
	assert.False(t, check.Healthy)
	require.Len(t, check.Errors, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
