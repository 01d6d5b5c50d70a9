package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/sign"
)

func TestRunCli_Keygen(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, runCli(log.NewNoopLogger(), "keygen", []string{"hot-wallet"}, &out))

	firstLine, _, ok := strings.Cut(out.String(), "\n")
	require.True(t, ok)
	address, ok := strings.CutPrefix(firstLine, "# address: ")
	require.True(t, ok)

	var conf KeysConfig
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &conf))
	require.Len(t, conf.Keys, 1)
	assert.Equal(t, "hot-wallet", conf.Keys[0].Label)

	key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1, conf.Keys[0].PrivateKey)
	require.NoError(t, err)
	defer key.Zero()
	derived, err := ethereum.DeriveAddress(key.VerifyingKey())
	require.NoError(t, err)
	assert.Equal(t, derived.String(), address)
}

func TestRunCli_KeygenDefaultLabel(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, runCli(log.NewNoopLogger(), "keygen", nil, &out))

	var conf KeysConfig
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &conf))
	require.Len(t, conf.Keys, 1)
	assert.Equal(t, "generated", conf.Keys[0].Label)
}

func TestRunCli_Address(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, runCli(log.NewNoopLogger(), "address", []string{testPrivateKeyHex}, &out))
	assert.Equal(t, testAddressA+"\n", out.String())

	out.Reset()
	require.NoError(t, runCli(log.NewNoopLogger(), "address", []string{"0x" + testPrivateKeyHex, "30"}, &out))
	expected, err := ethereum.ParseAddress(testAddressA)
	require.NoError(t, err)
	assert.Equal(t, expected.WithChainID(30).String()+"\n", out.String())
}

func TestRunCli_Usage(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name string
		cmd  string
		args []string
	}{
		{name: "unknown command", cmd: "frobnicate"},
		{name: "keygen with extra args", cmd: "keygen", args: []string{"a", "b"}},
		{name: "address without key", cmd: "address"},
		{name: "address with bad chain id", cmd: "address", args: []string{testPrivateKeyHex, "mainnet"}},
		{name: "token without subject", cmd: "token"},
		{name: "token with bad ttl", cmd: "token", args: []string{"alice", "forever"}},
		{name: "export with bad address", cmd: "export-audit", args: []string{"0x1234"}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runCli(log.NewNoopLogger(), tc.cmd, tc.args, &out)
			require.ErrorIs(t, err, errUsage)
			assert.Equal(t, cliUsage, out.String())
		})
	}
}

func TestRunCli_Help(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, runCli(log.NewNoopLogger(), "help", nil, &out))
	assert.Equal(t, cliUsage, out.String())
}

func TestRunCli_AddressMalformedKey(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runCli(log.NewNoopLogger(), "address", []string{strings.Repeat("00", 32)}, &out)
	require.ErrorIs(t, err, sign.ErrKeyMalformed)
	assert.Empty(t, out.String())
}

func TestRunCli_Token(t *testing.T) {
	t.Run("without secret", func(t *testing.T) {
		t.Setenv(configDirPathEnv, t.TempDir())
		t.Setenv("IQKMS_AUTH_SECRET", "")

		var out bytes.Buffer
		err := runCli(log.NewNoopLogger(), "token", []string{"alice"}, &out)
		require.ErrorContains(t, err, "IQKMS_AUTH_SECRET is not set")
	})

	t.Run("with secret", func(t *testing.T) {
		t.Setenv(configDirPathEnv, t.TempDir())
		t.Setenv("IQKMS_AUTH_SECRET", testAuthSecret)

		var out bytes.Buffer
		require.NoError(t, runCli(log.NewNoopLogger(), "token", []string{"alice", "1h"}, &out))

		auth, err := NewAuthManager(testAuthSecret)
		require.NoError(t, err)
		claims, err := auth.VerifyToken(strings.TrimSpace(out.String()))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
	})
}

func TestRunCli_ExportAudit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirPathEnv, dir)
	t.Setenv(databaseURLEnv, "file:"+dir+"/audit.db")

	var out bytes.Buffer
	require.NoError(t, runCli(log.NewNoopLogger(), "export-audit", []string{strings.ToLower(testAddressA)}, &out))
	assert.Equal(t, strings.Join(auditCSVHeader, ",")+"\n", out.String())
}
