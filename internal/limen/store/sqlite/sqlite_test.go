package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/db"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	sqlitestore "github.com/BrandonDHaskell/Limen/server/internal/limen/store/sqlite"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		conn := openTestDB(t)
		return sqlitestore.New(conn, newTestWriter(t, conn))
	})
}

func TestAccessLogs_AppendOnly(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendAccessLog(ctx, store.AccessLogRecord{
			Timestamp: time.Now(), Method: store.MethodCardPresent, Status: store.StatusUnknownCard,
		})
	}))

	_, err := conn.ExecContext(ctx, `UPDATE access_logs SET status = 'SUCCESS';`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "append-only")

	_, err = conn.ExecContext(ctx, `DELETE FROM access_logs;`)
	require.Error(t, err)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_logs;`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestPendingCodeFieldsMoveTogether(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.New(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "S1", "Alice", "")
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE users SET pending_code = 'ABCDEF' WHERE student_id = 'S1';`)
	require.Error(t, err, "code without expiry must violate the CHECK constraint")
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background(), conn, db.DialectSQLite))
}
