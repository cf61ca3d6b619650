package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"climdex/internal/labeled"
	"climdex/internal/percentile"
	"climdex/internal/types"
)

func testField(t *testing.T) *percentile.Field {
	t.Helper()
	arr, err := labeled.New([]string{labeled.DimPercentiles}, []int{2}, []float64{1.5, 9.5})
	require.NoError(t, err)
	arr.Coords[labeled.DimPercentiles] = labeled.Coord{Values: labeled.Floats{10, 90}}
	arr.Attrs[labeled.AttrUnits] = "K"
	return &percentile.Field{
		Kind:              types.PercentilePeriod,
		Array:             arr,
		Percentiles:       []float64{10, 90},
		ClimatologyBounds: [2]string{"1991-01-01", "2020-12-31"},
		Interpolation:     "linear",
	}
}

func TestFieldRepository_Upsert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFieldRepository(db)
	ctx := context.Background()

	rec := &FieldRecord{
		Fingerprint: "fp_1",
		DatasetRef:  "tas.zarr",
		Variable:    "tas",
		Request:     types.PercentileRequest{Kind: types.PercentilePeriod, Percentiles: []float64{10, 90}},
		Field:       testField(t),
	}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 6 && args[0] == "fp_1" && args[3] == "period"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Upsert(ctx, rec))
	db.AssertExpectations(t)
}

func TestFieldRepository_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFieldRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Upsert(context.Background(), &FieldRecord{Fingerprint: "fp_1", Field: testField(t)})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestFieldRepository_Get_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFieldRepository(db)

	field := testField(t)
	fieldJS, err := json.Marshal(field)
	require.NoError(t, err)
	requestJS, err := json.Marshal(types.PercentileRequest{Kind: types.PercentilePeriod, Percentiles: []float64{10, 90}})
	require.NoError(t, err)
	now := time.Now().UTC()

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "fp_1"
			*dest[1].(*string) = "tas.zarr"
			*dest[2].(*string) = "tas"
			*dest[3].(*[]byte) = requestJS
			*dest[4].(*[]byte) = fieldJS
			*dest[5].(*time.Time) = now
			*dest[6].(*time.Time) = now
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	rec, err := repo.Get(context.Background(), "fp_1")
	require.NoError(t, err)
	assert.Equal(t, "tas.zarr", rec.DatasetRef)
	assert.Equal(t, types.PercentilePeriod, rec.Request.Kind)
	assert.Equal(t, []float64{10, 90}, rec.Field.Percentiles)
	assert.Equal(t, labeled.Floats{1.5, 9.5}, rec.Field.Array.Data)
	assert.Equal(t, "K", rec.Field.Unit())
	assert.Equal(t, [2]string{"1991-01-01", "2020-12-31"}, rec.Field.ClimatologyBounds)
}

func TestFieldRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFieldRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "fp_missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundField))
}

func TestFieldRepository_Get_CorruptJSON(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFieldRepository(db)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[3].(*[]byte) = []byte(`{}`)
			*dest[4].(*[]byte) = []byte(`{not json`)
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := repo.Get(context.Background(), "fp_1")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestFieldRepository_DeleteUnusedSince(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFieldRepository(db)
	cutoff := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	n, err := repo.DeleteUnusedSince(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
