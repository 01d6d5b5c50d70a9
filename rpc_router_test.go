package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"gorm.io/gorm"

	"github.com/iqlusioninc/iqkms/pkg/ethsigner"
	"github.com/iqlusioninc/iqkms/pkg/keyring"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/rpc"
	"github.com/iqlusioninc/iqkms/pkg/sign"
	"github.com/iqlusioninc/iqkms/pkg/signing"
)

type testRouter struct {
	router  *RPCRouter
	db      *gorm.DB
	metrics *Metrics
	keyring *keyring.Keyring
	url     string
	auth    *AuthManager
}

// setupTestRPCRouter serves a router over a real websocket node holding the
// test key. With withAuth set, connections need a bearer token.
func setupTestRPCRouter(t *testing.T, withAuth bool) *testRouter {
	t.Helper()

	db, dbCleanup := setupTestDB(t)
	t.Cleanup(dbCleanup)

	key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1, testPrivateKeyHex)
	require.NoError(t, err)
	kr := keyring.New()
	require.NoError(t, kr.Add(key))
	t.Cleanup(kr.Close)

	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
	nodeConfig := rpc.WebsocketNodeConfig{
		Logger:                   log.NewNoopLogger(),
		OnConnectHandler:         metrics.HandleConnect,
		OnDisconnectHandler:      metrics.HandleDisconnect,
		OnMessageReceivedHandler: metrics.HandleMessageReceived,
		OnMessageSentHandler:     metrics.HandleMessageSent,
		OnRequestHandledHandler:  metrics.RecordRequest,
	}

	var auth *AuthManager
	if withAuth {
		auth, err = NewAuthManager(testAuthSecret)
		require.NoError(t, err)
		nodeConfig.Authenticate = auth.Authenticate
	}

	node, err := rpc.NewWebsocketNode(nodeConfig)
	require.NoError(t, err)

	signer := ethsigner.New(signing.NewBuffer(signing.NewService(kr), 2))
	router := NewRPCRouter(node, signer, kr, NewAuditLogStore(db), metrics, log.NewNoopLogger())

	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	return &testRouter{
		router:  router,
		db:      db,
		metrics: metrics,
		keyring: kr,
		url:     "ws://" + server.Listener.Addr().String(),
		auth:    auth,
	}
}

func (tr *testRouter) connect(t *testing.T, cfg rpc.WebsocketDialerConfig) *rpc.Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := rpc.NewClient(rpc.NewWebsocketDialer(cfg))
	require.NoError(t, client.Start(ctx, tr.url, func(error) {}))
	return client
}

func (tr *testRouter) auditEntries(t *testing.T) []AuditLogEntry {
	t.Helper()

	var entries []AuditLogEntry
	require.NoError(t, tr.db.Order("id ASC").Find(&entries).Error)
	return entries
}

func testDigest(t *testing.T) []byte {
	t.Helper()
	return sign.Keccak256([]byte("iqkms test digest"))
}

func TestRPCRouter_SignDigest(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	ctx := context.Background()
	digest := testDigest(t)

	// Lowercase addresses select the same key.
	sig, err := client.SignDigest(ctx, strings.ToLower(testAddressA), digest)
	require.NoError(t, err)
	assert.Contains(t, []uint64{27, 28}, sig.V)

	recovered, err := sig.RecoverAddress(digest)
	require.NoError(t, err)
	assert.Equal(t, testAddressA, recovered.String())

	entries := tr.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, rpc.SignDigestMethod.String(), entries[0].Method)
	assert.Equal(t, testAddressA, entries[0].Address)
	assert.Equal(t, hexutil.Encode(digest), entries[0].Digest)
	assert.Equal(t, codes.OK.String(), entries[0].Code)
	assert.Nil(t, entries[0].ChainID)
	assert.Equal(t, "1", entries[0].RequestID)
	assert.Contains(t, string(entries[0].Metadata), "connection_id")

	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.SignRequests.WithLabelValues(rpc.SignDigestMethod.String(), "OK")))
}

func TestRPCRouter_SignEIP155(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	ctx := context.Background()
	digest := testDigest(t)

	plain, err := client.SignDigest(ctx, testAddressA, digest)
	require.NoError(t, err)

	for _, chainID := range []uint64{1, 2018} {
		sig, err := client.SignEIP155(ctx, testAddressA, digest, chainID)
		require.NoError(t, err)

		assert.Equal(t, plain.R, sig.R)
		assert.Equal(t, plain.S, sig.S)
		assert.Equal(t, chainID*2+35+(plain.V-27), sig.V)

		recovered, err := sig.RecoverAddress(digest)
		require.NoError(t, err)
		assert.Equal(t, testAddressA, recovered.String())
	}

	entries := tr.auditEntries(t)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[2].ChainID)
	assert.Equal(t, "2018", *entries[2].ChainID)
}

func TestRPCRouter_SignEIP155ZeroChainID(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	digest := testDigest(t)

	sig, err := client.SignEIP155(context.Background(), testAddressA, digest, 0)
	require.NoError(t, err)
	assert.Contains(t, []uint64{35, 36}, sig.V)

	recovered, err := sig.RecoverAddress(digest)
	require.NoError(t, err)
	assert.Equal(t, testAddressA, recovered.String())

	entries := tr.auditEntries(t)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ChainID)
	assert.Equal(t, "0", *entries[0].ChainID)
}

func TestRPCRouter_SignMessageEIP155(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	ctx := context.Background()
	message := []byte("hello iqkms")

	sig, err := client.SignMessageEIP155(ctx, testAddressA, message, 1)
	require.NoError(t, err)
	assert.Contains(t, []uint64{37, 38}, sig.V)

	digest := sign.Keccak256(message)
	recovered, err := sig.RecoverAddress(digest)
	require.NoError(t, err)
	assert.Equal(t, testAddressA, recovered.String())

	entries := tr.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, hexutil.Encode(digest), entries[0].Digest)
}

func TestRPCRouter_SignErrors(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	ctx := context.Background()
	digest := testDigest(t)
	unknownAddress := "0x0000000000000000000000000000000000000001"

	tcs := []struct {
		name     string
		call     func() error
		code     codes.Code
		contains string
	}{
		{
			name: "unknown key",
			call: func() error {
				_, err := client.SignDigest(ctx, unknownAddress, digest)
				return err
			},
			code:     codes.NotFound,
			contains: "key not found",
		},
		{
			name: "short digest",
			call: func() error {
				_, err := client.SignDigest(ctx, testAddressA, digest[:31])
				return err
			},
			code:     codes.InvalidArgument,
			contains: "malformed digest",
		},
		{
			name: "long digest",
			call: func() error {
				_, err := client.SignEIP155(ctx, testAddressA, append(digest, 0), 1)
				return err
			},
			code:     codes.InvalidArgument,
			contains: "malformed digest",
		},
		{
			name: "malformed address",
			call: func() error {
				_, err := client.SignDigest(ctx, "0x1234", digest)
				return err
			},
			code:     codes.InvalidArgument,
			contains: "invalid parameters",
		},
	}

	for _, tc := range tcs {
		err := tc.call()
		require.Error(t, err, tc.name)
		assert.Equal(t, tc.code, rpc.Code(err), tc.name)
		assert.Contains(t, err.Error(), tc.contains, tc.name)
	}

	entries := tr.auditEntries(t)
	require.Len(t, entries, len(tcs))
	assert.Equal(t, codes.NotFound.String(), entries[0].Code)
	assert.Equal(t, "0x0000000000000000000000000000000000000001", entries[0].Address)
	assert.Empty(t, entries[1].Digest)
	assert.Equal(t, "0x1234", entries[3].Address)
	for _, entry := range entries[1:] {
		assert.Equal(t, codes.InvalidArgument.String(), entry.Code)
	}

	// Request metrics are recorded after the response is written.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tr.metrics.RPCRequests.WithLabelValues(rpc.SignDigestMethod.String(), "NotFound")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRPCRouter_GetAddresses(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	ctx := context.Background()

	addrs, err := client.GetAddresses(ctx, nil)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, testAddressA, addrs[0].String())

	chainID := uint64(30)
	tagged, err := client.GetAddresses(ctx, &chainID)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, addrs[0].WithChainID(30).String(), tagged[0].String())
	assert.NotEqual(t, addrs[0].String(), tagged[0].String())

	// Reads are not audited.
	assert.Empty(t, tr.auditEntries(t))
}

func TestRPCRouter_GetAuditLog(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, false)
	client := tr.connect(t, rpc.DefaultWebsocketDialerConfig)
	ctx := context.Background()
	digest := testDigest(t)

	for range 3 {
		_, err := client.SignDigest(ctx, testAddressA, digest)
		require.NoError(t, err)
	}
	_, err := client.SignEIP155(ctx, testAddressA, digest, 1)
	require.NoError(t, err)

	resp, err := client.GetAuditLog(ctx, rpc.GetAuditLogRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.Total)
	require.Len(t, resp.Entries, 4)
	assert.Equal(t, rpc.SignEIP155Method.String(), resp.Entries[0].Method)
	require.NotNil(t, resp.Entries[0].ChainID)
	assert.Equal(t, uint64(1), *resp.Entries[0].ChainID)

	resp, err = client.GetAuditLog(ctx, rpc.GetAuditLogRequest{
		Method:      rpc.SignDigestMethod.String(),
		Address:     strings.ToLower(testAddressA),
		ListOptions: rpc.ListOptions{Limit: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Entries, 2)

	_, err = client.GetAuditLog(ctx, rpc.GetAuditLogRequest{ListOptions: rpc.ListOptions{Limit: 5000}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, rpc.Code(err))
}

func TestRPCRouter_Authentication(t *testing.T) {
	t.Parallel()

	tr := setupTestRPCRouter(t, true)
	ctx := context.Background()

	anon := rpc.NewClient(rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig))
	err := anon.Start(ctx, tr.url, func(error) {})
	require.ErrorIs(t, err, rpc.ErrUnauthenticated)

	_, aliceToken, err := tr.auth.GenerateToken("alice", time.Hour)
	require.NoError(t, err)
	_, bobToken, err := tr.auth.GenerateToken("bob", time.Hour)
	require.NoError(t, err)

	alice := tr.connect(t, rpc.DefaultWebsocketDialerConfig.WithBearerToken(aliceToken))
	bob := tr.connect(t, rpc.DefaultWebsocketDialerConfig.WithBearerToken(bobToken))

	_, err = alice.SignDigest(ctx, testAddressA, testDigest(t))
	require.NoError(t, err)
	_, err = bob.SignDigest(ctx, testAddressA, testDigest(t))
	require.NoError(t, err)
	_, err = bob.SignEIP155(ctx, testAddressA, testDigest(t), 1)
	require.NoError(t, err)

	entries := tr.auditEntries(t)
	require.Len(t, entries, 3)
	assert.Equal(t, "alice", entries[0].UserID)
	assert.Equal(t, "bob", entries[1].UserID)

	// Each subject only sees its own attempts.
	resp, err := alice.GetAuditLog(ctx, rpc.GetAuditLogRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Total)
	resp, err = bob.GetAuditLog(ctx, rpc.GetAuditLogRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Total)
}

func TestAuditRecordFromParams(t *testing.T) {
	t.Parallel()

	digest := testDigest(t)
	params, err := rpc.NewParams(rpc.SignEIP155Request{
		Address: strings.ToLower(testAddressA),
		Digest:  digest,
		ChainID: 5,
	})
	require.NoError(t, err)

	rec := auditRecordFromParams(rpc.SignEIP155Method.String(), params)
	assert.Equal(t, testAddressA, rec.Address)
	assert.Equal(t, hexutil.Encode(digest), rec.Digest)
	require.NotNil(t, rec.ChainID)
	assert.Equal(t, uint64(5), *rec.ChainID)

	garbage := rpc.Params{
		"address":  []byte(`"` + strings.Repeat("z", 100) + `"`),
		"digest":   []byte(`"not hex"`),
		"chain_id": []byte(`-1`),
	}
	rec = auditRecordFromParams(rpc.SignDigestMethod.String(), garbage)
	assert.Len(t, rec.Address, maxAuditAddressLen)
	assert.Empty(t, rec.Digest)
	assert.Nil(t, rec.ChainID)
}
