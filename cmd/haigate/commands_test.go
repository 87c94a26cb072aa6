package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/auth"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(testutil.TestLogger())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashKeyCommand(t *testing.T) {
	out, err := execute(t, "hash-key", "s3cret")
	require.NoError(t, err)

	ok, err := auth.VerifyKey("s3cret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenKeyAndTokenCommands(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "genkey", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "jwt_private.pem")

	_, err = execute(t, "genkey", "--dir", dir)
	assert.ErrorIs(t, err, auth.ErrKeyExists)

	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")
	t.Setenv("HAIGATE_JWT_PRIVATE_KEY", privPath)
	t.Setenv("HAIGATE_JWT_PUBLIC_KEY", pubPath)

	out, err = execute(t, "token", "user-7", "--role", "admin")
	require.NoError(t, err)
	token := strings.SplitN(out, "\n", 2)[0]

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID())
	assert.Equal(t, model.AccessAdmin, claims.Role)
}

func TestTokenCommandRequiresKeys(t *testing.T) {
	t.Setenv("HAIGATE_JWT_PRIVATE_KEY", "")
	t.Setenv("HAIGATE_JWT_PUBLIC_KEY", "")
	_, err := execute(t, "token", "user-7")
	assert.ErrorContains(t, err, "HAIGATE_JWT_PRIVATE_KEY")
}

func TestTokenCommandRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "genkey", "--dir", dir)
	require.NoError(t, err)
	t.Setenv("HAIGATE_JWT_PRIVATE_KEY", filepath.Join(dir, "jwt_private.pem"))
	t.Setenv("HAIGATE_JWT_PUBLIC_KEY", filepath.Join(dir, "jwt_public.pem"))

	_, err = execute(t, "token", "user:7")
	assert.ErrorIs(t, err, auth.ErrInvalidSubject)

	_, err = execute(t, "token", "user-7", "--role", "root")
	assert.ErrorContains(t, err, "unknown role")
}
