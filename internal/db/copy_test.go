package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// observationColumns mirrors the column order history.Postgres.Append copies.
var observationColumns = []string{"city", "obs_date", "weather", "pollutants", "flags"}

func observationRow(city string, day int, pm25 float64, flags ...string) []any {
	if flags == nil {
		flags = []string{}
	}
	return []any{
		city,
		time.Date(2021, 1, day, 0, 0, 0, 0, time.UTC),
		map[string]float64{"temp_avg_c": 3.5, "wind_speed_kmh": 11},
		map[string]float64{"pm25": pm25, "o3": 0.031},
		flags,
	}
}

func TestCopyFrom_NoObservationsSkipsPool(t *testing.T) {
	// A nil pool would panic if CopyFrom touched it.
	n, err := CopyFrom(context.Background(), nil, "airq.observations", observationColumns, [][]any{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCopyFrom_ObservationBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	batch := [][]any{
		observationRow("beijing", 1, 182),
		observationRow("beijing", 2, 95.5),
		observationRow("delhi", 1, 240, "sensor_outage"),
	}
	mock.ExpectCopyFrom(pgx.Identifier{"airq", "observations"}, observationColumns).
		WillReturnResult(int64(len(batch)))

	n, err := CopyFrom(context.Background(), mock, "airq.observations", observationColumns, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_TableIdentifier(t *testing.T) {
	tests := []struct {
		table string
		want  pgx.Identifier
	}{
		{"airq.observations", pgx.Identifier{"airq", "observations"}},
		{"observations", pgx.Identifier{"observations"}},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectCopyFrom(tt.want, observationColumns).WillReturnResult(1)
			_, err = CopyFrom(context.Background(), mock, tt.table, observationColumns, [][]any{observationRow("paris", 3, 14)})
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCopyFrom_DuplicateDayFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"airq", "observations"}, observationColumns).
		WillReturnError(errors.New(`duplicate key value violates unique constraint "observations_pkey"`))

	n, err := CopyFrom(context.Background(), mock, "airq.observations", observationColumns, [][]any{
		observationRow("beijing", 1, 182),
		observationRow("beijing", 1, 182),
	})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "db: COPY INTO airq.observations")
	assert.Contains(t, err.Error(), "observations_pkey")
	assert.NoError(t, mock.ExpectationsWereMet())
}
