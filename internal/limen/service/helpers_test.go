package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/credential"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store/memory"
)

// fixture is the shared world: front-door and back-door, Alice holding
// card AA11 with access to front-door only.
type fixture struct {
	st        *memory.Store
	frontDoor store.Device
	backDoor  store.Device
	alice     store.User
}

const frontDoorSecret = "S1"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	hash, err := credential.HashSecret(frontDoorSecret)
	require.NoError(t, err)
	front, err := st.CreateDevice(ctx, "front-door", "Lobby", hash)
	require.NoError(t, err)

	backHash, err := credential.HashSecret("S2")
	require.NoError(t, err)
	back, err := st.CreateDevice(ctx, "back-door", "Loading dock", backHash)
	require.NoError(t, err)

	alice, err := st.CreateUser(ctx, "S-001", "Alice", "alice@example.com")
	require.NoError(t, err)
	_, err = st.CreateCard(ctx, "AA11", "S-001")
	require.NoError(t, err)
	require.NoError(t, st.GrantDevice(ctx, "S-001", "front-door"))

	return &fixture{st: st, frontDoor: front, backDoor: back, alice: alice}
}

// bind links chatID to userID directly through the store.
func (f *fixture) bind(t *testing.T, userID int64, chatID string) {
	t.Helper()
	err := f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.BindChatIdentity(ctx, userID, chatID)
	})
	require.NoError(t, err)
}

func (f *fixture) user(t *testing.T, id int64) store.User {
	t.Helper()
	u, err := f.st.UserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

// faultyStore fails every audit append with err.
type faultyStore struct {
	*memory.Store
	err error
}

func (f *faultyStore) InTx(ctx context.Context, fn store.TxFunc) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, faultyTx{Tx: tx, err: f.err})
	})
}

type faultyTx struct {
	store.Tx
	err error
}

func (t faultyTx) AppendAccessLog(context.Context, store.AccessLogRecord) error { return t.err }
