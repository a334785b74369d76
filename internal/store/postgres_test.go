package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS experiments`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExperiment(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	m := testManifest()

	mock.ExpectExec(`INSERT INTO experiments \(id, header, created_at\)`).
		WithArgs(m.ExperimentID, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateExperiment(context.Background(), m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := testRun(3, "GHM", learn.GradientBoosting, 2.5)

	mock.ExpectExec(`INSERT INTO experiment_runs`).
		WithArgs("exp-1", 3, "GHM", "gradient_boosting", "succeeded", pgxmock.AnyArg(), 2.5, 3.5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendRun(context.Background(), "exp-1", run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRun_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO experiment_runs`).
		WillReturnError(eris.New("duplicate key value violates unique constraint"))

	err := s.AppendRun(context.Background(), "exp-1", testRun(0, "GTM", learn.Ridge, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run exp-1/0")
}

func TestPostgresStore_FinalizeExperiment_AlreadyFinalized(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	m := testManifest()
	now := time.Now().UTC()
	m.FinalizedAt = &now

	mock.ExpectExec(`UPDATE experiments SET selection = \$1, finalized_at = \$2 WHERE id = \$3 AND finalized_at IS NULL`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), m.ExperimentID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinalizeExperiment(context.Background(), m)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExperiment(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	m := testManifest()
	hdr, err := encodeHeader(m)
	require.NoError(t, err)

	run := testRun(0, "GTM", learn.Ridge, 2)
	m.BestByMode = experiment.SelectBest([]experiment.Run{run})
	m.GlobalBest = m.BestByMode["GTM"]
	sel, err := encodeSelection(m)
	require.NoError(t, err)
	runJSON, err := json.Marshal(run)
	require.NoError(t, err)
	finalized := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, header, selection, created_at, finalized_at FROM experiments WHERE id = \$1`).
		WithArgs(m.ExperimentID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "header", "selection", "created_at", "finalized_at"}).
			AddRow(m.ExperimentID, hdr, sel, m.CreatedAt, &finalized))
	mock.ExpectQuery(`SELECT run FROM experiment_runs WHERE experiment_id = \$1 ORDER BY seq`).
		WithArgs(m.ExperimentID).
		WillReturnRows(pgxmock.NewRows([]string{"run"}).AddRow(runJSON))

	got, err := s.GetExperiment(context.Background(), m.ExperimentID)
	require.NoError(t, err)
	assert.True(t, got.Finalized())
	assert.Equal(t, []string{"GTM", "CHS"}, got.Modes)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, learn.Ridge, got.GlobalBest.Algorithm)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExperiment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, header, selection, created_at, finalized_at FROM experiments`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExperiment(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get experiment")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CurrentPromotion_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT 1`).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.CurrentPromotion(context.Background())
	assert.True(t, eris.Is(err, model.ErrModelNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAndListPromotions(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO model_promotions`).
		WithArgs(pgxmock.AnyArg(), "v000003", "CHM", pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p, err := s.RecordPromotion(ctx, model.Promotion{VersionID: "v000003", Mode: "CHM", PromotedAt: at})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	note := "rollback"
	mock.ExpectQuery(`SELECT id, version_id, mode, note, promoted_at FROM model_promotions ORDER BY seq DESC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "version_id", "mode", "note", "promoted_at"}).
			AddRow("p2", "v000001", "CHM", &note, at.Add(time.Hour)).
			AddRow("p1", "v000003", "CHM", (*string)(nil), at))

	list, err := s.ListPromotions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "rollback", list[0].Note)
	assert.Empty(t, list[1].Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}
