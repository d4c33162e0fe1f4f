package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openclaw/warden/pkg/api"
)

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 2, Run([]string{"warden", "bogus"}, &out, &errOut))
	require.Contains(t, errOut.String(), "unknown command")
}

func TestHashKey_ProducesVerifiableHash(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"warden", "hash-key", "hunter2"}, &out, &errOut))

	hash := strings.TrimSpace(out.String())
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}

func TestMintToken_RoundTrips(t *testing.T) {
	t.Setenv("WARDEN_ADAPTER_TOKEN_SECRET", "s3cret")
	t.Setenv("WARDEN_TENANT_ID", "local")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"warden", "mint-token", "-adapter", "openclaw"}, &out, &errOut))

	claims, err := api.VerifyAdapterToken([]byte("s3cret"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "openclaw", claims.AdapterID)
	require.Equal(t, "local", claims.TenantID)
}

func TestMintToken_RequiresAdapterFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 2, Run([]string{"warden", "mint-token"}, &out, &errOut))
}
