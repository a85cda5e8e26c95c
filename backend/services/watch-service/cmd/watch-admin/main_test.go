package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargewatch/backend/services/watch-service/internal/auth"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "--subject", "scheduler")
	require.NoError(t, err)

	claims, err := auth.NewTokenService("s3cret", time.Hour).ValidateToken(out)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)
	assert.Equal(t, auth.RoleService, claims.Role)
}

func TestHashCronKeyCommand(t *testing.T) {
	out, err := run(t, "hash-cron-key", "--cost", "4", "my-key")
	require.NoError(t, err)
	assert.NoError(t, auth.NewKeyHasher(4).Compare(out, "my-key"))

	_, err = run(t, "hash-cron-key")
	assert.Error(t, err)
}

func TestVAPIDKeysCommand(t *testing.T) {
	out, err := run(t, "vapid-keys")
	require.NoError(t, err)
	assert.Contains(t, out, "WATCH_VAPID_PUBLIC_KEY=")
	assert.Contains(t, out, "WATCH_VAPID_PRIVATE_KEY=")
}
