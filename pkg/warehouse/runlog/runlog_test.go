package runlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/medrecon/warehouse/pkg/pg"
	"github.com/medrecon/warehouse/pkg/testutil"
)

type execRecorder struct {
	queries []string
	args    [][]any
	err     error
}

func (m *execRecorder) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.queries = append(m.queries, query)
	m.args = append(m.args, args)
	return 1, nil
}

func (m *execRecorder) Query(ctx context.Context, query string, args ...any) (pg.Rows, error) {
	return nil, fmt.Errorf("unexpected query: %s", query)
}

func (m *execRecorder) QueryRow(ctx context.Context, query string, args ...any) pg.Row {
	panic("unexpected QueryRow")
}

func TestWarehouse_RunLog_PGSink(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	db := &execRecorder{}
	sink := NewPGSink(db, clock)

	err := sink.LogExecution(context.Background(), Entry{
		Name:         "scd_load_dim_veteran",
		Status:       "SUCCESS",
		Duration:     1500 * time.Millisecond,
		RowsClosed:   2,
		RowsInserted: 3,
		BatchID:      "batch_001",
	})
	require.NoError(t, err)

	require.Len(t, db.queries, 1)
	require.True(t, strings.Contains(db.queries[0], "INSERT INTO etl_execution_log"))

	args := db.args[0]
	require.Equal(t, "scd_load_dim_veteran", args[0])
	require.Equal(t, "SUCCESS", args[1])
	require.Equal(t, int64(1500), args[2])
	require.Equal(t, int64(2), args[3])
	require.Equal(t, int64(3), args[4])
	require.Nil(t, args[5], "empty error detail is stored as NULL")
	require.Equal(t, "batch_001", args[6])
	require.Equal(t, clock.Now().UTC(), args[7])
}

func TestWarehouse_RunLog_PGSink_ErrorDetail(t *testing.T) {
	t.Parallel()

	db := &execRecorder{}
	sink := NewPGSink(db, clockwork.NewFakeClock())

	err := sink.LogExecution(context.Background(), Entry{
		Name:        "scd_load_dim_veteran",
		Status:      "ERROR",
		ErrorDetail: "insert phase statement failed",
		BatchID:     "batch_001",
	})
	require.NoError(t, err)
	require.Equal(t, "insert phase statement failed", db.args[0][5])
}

func TestWarehouse_RunLog_FaultTolerant(t *testing.T) {
	t.Parallel()

	t.Run("swallows sink failures", func(t *testing.T) {
		t.Parallel()
		db := &execRecorder{err: errors.New("log table unavailable")}
		ft := NewFaultTolerant(testutil.NewLogger(), NewPGSink(db, nil))

		err := ft.LogExecution(context.Background(), Entry{Name: "scd_load_dim_veteran", BatchID: "batch_001"})
		require.NoError(t, err)
	})

	t.Run("tolerates a nil sink", func(t *testing.T) {
		t.Parallel()
		ft := NewFaultTolerant(testutil.NewLogger(), nil)

		err := ft.LogExecution(context.Background(), Entry{Name: "scd_load_dim_veteran", BatchID: "batch_001"})
		require.NoError(t, err)
	})

	t.Run("passes entries through to a healthy sink", func(t *testing.T) {
		t.Parallel()
		db := &execRecorder{}
		ft := NewFaultTolerant(testutil.NewLogger(), NewPGSink(db, clockwork.NewFakeClock()))

		err := ft.LogExecution(context.Background(), Entry{Name: "scd_load_dim_veteran", BatchID: "batch_001"})
		require.NoError(t, err)
		require.Len(t, db.queries, 1)
	})
}
