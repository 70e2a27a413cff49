package main

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/credential"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store/memory"
)

func exec(t *testing.T, st *memory.Store, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), st, args, &out)
	return out.String(), err
}

var secretLine = regexp.MustCompile(`secret: ([0-9a-f]{32})`)

func TestDeviceAdd_PrintsWorkingSecretOnce(t *testing.T) {
	st := memory.New()

	out, err := exec(t, st, "device", "add", "--name", "lab", "--location", "Room 101")
	require.NoError(t, err)
	m := secretLine.FindStringSubmatch(out)
	require.Len(t, m, 2)
	require.Equal(t, 1, strings.Count(out, m[1]))

	dev, err := st.DeviceByName(context.Background(), "lab")
	require.NoError(t, err)
	require.Equal(t, "door/lab", dev.UnlockChannel)
	ok, err := credential.VerifySecret(m[1], dev.SecretHash)
	require.NoError(t, err)
	require.True(t, ok)

	out, err = exec(t, st, "device", "reset-secret", "--name", "lab")
	require.NoError(t, err)
	m2 := secretLine.FindStringSubmatch(out)
	require.Len(t, m2, 2)
	require.NotEqual(t, m[1], m2[1])
}

func TestProvisioningFlow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	steps := [][]string{
		{"device", "add", "--name", "lab"},
		{"user", "add", "--student-id", "S-9", "--name", "Bea", "--email", "bea@example.com"},
		{"card", "add", "--uid", "cc33", "--student-id", "S-9"},
		{"grant", "--student-id", "S-9", "--device", "lab"},
		{"device", "rename", "--name", "lab", "--to", "lab-2"},
		{"device", "disable", "--name", "lab-2"},
	}
	for _, s := range steps {
		_, err := exec(t, st, s...)
		require.NoError(t, err, strings.Join(s, " "))
	}

	card, err := st.CardByUID(ctx, "CC33")
	require.NoError(t, err)
	devices, err := st.UserDevices(ctx, *card.UserID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "lab-2", devices[0].Name)
	require.Equal(t, "door/lab-2", devices[0].UnlockChannel)
	require.False(t, devices[0].Active)
}

func TestUsageErrors(t *testing.T) {
	st := memory.New()

	_, err := exec(t, st)
	require.ErrorIs(t, err, errUsage)
	_, err = exec(t, st, "device", "add")
	require.ErrorContains(t, err, "--name is required")
	_, err = exec(t, st, "teleport")
	require.Error(t, err)

	_, err = exec(t, st, "device", "add", "--name", "lab")
	require.NoError(t, err)
	_, err = exec(t, st, "device", "add", "--name", "lab")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}
