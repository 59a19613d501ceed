package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testKeyRing(t *testing.T, versions ...int) *KeyRing {
	t.Helper()
	keys := make(map[int][]byte)
	for _, v := range versions {
		raw, err := GenerateKey()
		require.NoError(t, err)
		key, err := base64.StdEncoding.DecodeString(raw)
		require.NoError(t, err)
		keys[v] = key
	}
	kr, err := NewKeyRing(keys)
	require.NoError(t, err)
	return kr
}

func testCreds() Credentials {
	return Credentials{
		PrivateKey:    testPrivateKey,
		APIKey:        "api-key",
		APISecret:     base64.URLEncoding.EncodeToString([]byte("super-secret")),
		APIPassphrase: "pass",
	}
}

func TestKeyRing_RoundTrip(t *testing.T) {
	kr := testKeyRing(t, 1, 2)
	assert.Equal(t, 2, kr.CurrentVersion())

	blob, err := kr.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, ParseVersion(blob))

	plain, err := kr.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestKeyRing_Failures(t *testing.T) {
	kr := testKeyRing(t, 1)
	other := testKeyRing(t, 1)

	blob, err := other.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = kr.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = kr.Decrypt("plaintext")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = kr.Decrypt("ENC[v7]:AAAA")
	assert.Error(t, err)

	_, err = NewKeyRing(map[int][]byte{1: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyRingFromEnv(t *testing.T) {
	k1, _ := GenerateKey()
	k3, _ := GenerateKey()
	t.Setenv("MASTER_ENCRYPTION_KEY", k1)
	t.Setenv("MASTER_ENCRYPTION_KEY_V3", k3)

	kr, err := KeyRingFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, kr.CurrentVersion())

	t.Setenv("MASTER_ENCRYPTION_KEY", "")
	_, err = KeyRingFromEnv()
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCustodian_SignOrder(t *testing.T) {
	ctx := context.Background()
	c := NewCustodian(storage.NewMemoryStore(), testKeyRing(t, 1))

	addr, err := c.Store(ctx, "user-1", testCreds())
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	digest := crypto.Keccak256([]byte("order"))
	sig, err := c.SignOrder(ctx, api.OrderPayload{Order: &api.Order{Signer: testAddress}, Digest: digest}, "user-1")
	require.NoError(t, err)

	raw, err := hex.DecodeString(sig[2:])
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.True(t, raw[64] == 27 || raw[64] == 28)

	raw[64] -= 27
	pub, err := crypto.SigToPub(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, testAddress, crypto.PubkeyToAddress(*pub).Hex())
}

func TestCustodian_SignerMismatch(t *testing.T) {
	ctx := context.Background()
	c := NewCustodian(storage.NewMemoryStore(), testKeyRing(t, 1))
	_, err := c.Store(ctx, "user-1", testCreds())
	require.NoError(t, err)

	_, err = c.SignOrder(ctx, api.OrderPayload{
		Order:  &api.Order{Signer: "0x0000000000000000000000000000000000000001"},
		Digest: crypto.Keccak256([]byte("order")),
	}, "user-1")
	assert.True(t, errors.Is(err, models.ErrCredentialDecryption))
}

func TestCustodian_CredentialErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := NewCustodian(store, testKeyRing(t, 1))

	// nothing stored
	_, err := c.Owner(ctx, "nobody")
	assert.True(t, errors.Is(err, models.ErrCredentialDecryption))
	assert.Contains(t, models.PublicMessage(err), "reconnect your wallet")

	// sealed under a key we do not hold
	foreign := NewCustodian(store, testKeyRing(t, 1))
	_, err = foreign.Store(ctx, "user-2", testCreds())
	require.NoError(t, err)
	_, err = c.AuthHeaders(ctx, "user-2", "GET", "/data/order/x", nil)
	assert.True(t, errors.Is(err, models.ErrCredentialDecryption))
	assert.NotContains(t, models.PublicMessage(err), "decryption failed")

	// store failure is not a credential problem
	store.FailNext("GetCredentialBlob", errors.New("db down"))
	_, err = c.Owner(ctx, "user-2")
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrCredentialDecryption))
}

func TestCustodian_AuthHeaders(t *testing.T) {
	ctx := context.Background()
	c := NewCustodian(storage.NewMemoryStore(), testKeyRing(t, 1))
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	creds := testCreds()
	_, err := c.Store(ctx, "user-1", creds)
	require.NoError(t, err)

	body := []byte(`{"a":1}`)
	h, err := c.AuthHeaders(ctx, "user-1", "POST", "/order", body)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte("1700000000POST/order" + string(body)))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, h.Get("POLY_SIGNATURE"))
	assert.Equal(t, "1700000000", h.Get("POLY_TIMESTAMP"))
	assert.Equal(t, "api-key", h.Get("POLY_API_KEY"))
	assert.Equal(t, "pass", h.Get("POLY_PASSPHRASE"))
	assert.Equal(t, testAddress, h.Get("POLY_ADDRESS"))

	owner, err := c.Owner(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "api-key", owner)
}
