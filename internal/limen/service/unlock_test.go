package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/service"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/pubsub"
)

func newUnlockHarness(t *testing.T) (*fixture, *service.UnlockDispatcher, *pubsub.Memory) {
	t.Helper()
	f := newFixture(t)
	bus := pubsub.NewMemory()
	d := service.NewUnlockDispatcher(f.st, bus, service.UnlockConfig{PublishTimeout: time.Second}, nil)
	return f, d, bus
}

func TestUnlock_PublishesAndAudits(t *testing.T) {
	f, d, bus := newUnlockHarness(t)
	f.bind(t, f.alice.ID, "100")
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return at })

	res, err := d.Unlock(context.Background(), "100", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, service.UnlockSuccess, res.Status)
	require.Equal(t, "front-door", res.Device)

	sent := bus.Published()
	require.Len(t, sent, 1)
	require.Equal(t, "door/front-door", sent[0].Channel)
	require.Equal(t, []byte(pubsub.OpenCommand), sent[0].Payload)

	logs := f.st.AccessLogs()
	require.Len(t, logs, 1)
	require.Equal(t, store.MethodRemoteChat, logs[0].Method)
	require.Equal(t, store.StatusSuccess, logs[0].Status)
	require.Equal(t, "Remote unlock: front-door", logs[0].Details)
	require.Equal(t, f.alice.ID, *logs[0].UserID)
	require.Empty(t, logs[0].CardUID)
	require.True(t, logs[0].Timestamp.Equal(at))
}

func TestUnlock_DefaultsToFirstGrantedDevice(t *testing.T) {
	f, d, bus := newUnlockHarness(t)
	ctx := context.Background()
	require.NoError(t, f.st.GrantDevice(ctx, "S-001", "back-door"))
	f.bind(t, f.alice.ID, "100")

	_, err := d.Unlock(ctx, "100", "")
	require.NoError(t, err)
	_, err = d.Unlock(ctx, "100", "back-door")
	require.NoError(t, err)

	sent := bus.Published()
	require.Len(t, sent, 2)
	require.Equal(t, "door/front-door", sent[0].Channel)
	require.Equal(t, "door/back-door", sent[1].Channel)
}

func TestUnlock_Denials(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		chat   string
		device string
		want   service.UnlockStatus
	}{
		{
			name: "not bound",
			chat: "999",
			want: service.UnlockNotBound,
		},
		{
			name: "user disabled",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.st.SetUserActive(context.Background(), "S-001", false))
			},
			chat: "100",
			want: service.UnlockUserDisabled,
		},
		{
			name: "no accessible devices",
			setup: func(t *testing.T, f *fixture) {
				bob, err := f.st.CreateUser(context.Background(), "S-002", "Bob", "bob@example.com")
				require.NoError(t, err)
				f.bind(t, bob.ID, "200")
			},
			chat: "200",
			want: service.UnlockNoPermission,
		},
		{
			name:   "named device not granted",
			chat:   "100",
			device: "back-door",
			want:   service.UnlockNoPermission,
		},
		{
			name: "device disabled",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.st.SetDeviceActive(context.Background(), "front-door", false))
			},
			chat: "100",
			want: service.UnlockDeviceDisabled,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, d, bus := newUnlockHarness(t)
			f.bind(t, f.alice.ID, "100")
			if tc.setup != nil {
				tc.setup(t, f)
			}

			res, err := d.Unlock(ctx, tc.chat, tc.device)
			require.NoError(t, err)
			require.False(t, res.Success)
			require.Equal(t, tc.want, res.Status)
			require.NotEmpty(t, res.Message)
			require.Empty(t, bus.Published())
			require.Empty(t, f.st.AccessLogs())
		})
	}
}

func TestUnlock_PublishFailureWritesNoLog(t *testing.T) {
	f, d, bus := newUnlockHarness(t)
	f.bind(t, f.alice.ID, "100")
	bus.FailWith(pubsub.ErrPublishTimeout)

	res, err := d.Unlock(context.Background(), "100", "")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, service.UnlockDispatchFailure, res.Status)
	require.Empty(t, f.st.AccessLogs())
}

func TestUnlock_AuditFailureStillReportsOpen(t *testing.T) {
	f := newFixture(t)
	f.bind(t, f.alice.ID, "100")
	bus := pubsub.NewMemory()
	d := service.NewUnlockDispatcher(&faultyStore{Store: f.st, err: errors.New("disk full")}, bus, service.UnlockConfig{}, nil)

	res, err := d.Unlock(context.Background(), "100", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, bus.Published(), 1)
	require.Empty(t, f.st.AccessLogs())
}

func TestUnlock_DoorReceivesOpen(t *testing.T) {
	f, d, bus := newUnlockHarness(t)
	f.bind(t, f.alice.ID, "100")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 1)
	go func() {
		_ = bus.Subscribe(ctx, store.UnlockChannel("front-door"), func(_ string, p []byte) {
			got <- string(p)
		})
	}()
	require.Eventually(t, func() bool { return bus.Subscribers("door/front-door") == 1 }, time.Second, 5*time.Millisecond)

	_, err := d.Unlock(ctx, "100", "front-door")
	require.NoError(t, err)
	require.Equal(t, pubsub.OpenCommand, <-got)
}
