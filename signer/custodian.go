package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// BlobStore persists sealed credential blobs by reference.
type BlobStore interface {
	GetCredentialBlob(ctx context.Context, ref string) (string, error)
	PutCredentialBlob(ctx context.Context, ref, blob string) error
}

// Credentials is the plaintext inside a blob.
type Credentials struct {
	PrivateKey    string `json:"private_key"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	APIPassphrase string `json:"api_passphrase"`
}

// Custodian signs orders and API requests for custodial accounts.
// Keys are decrypted per call and dropped after use.
type Custodian struct {
	store BlobStore
	keys  *KeyRing
	now   func() time.Time
}

func NewCustodian(store BlobStore, keys *KeyRing) *Custodian {
	return &Custodian{store: store, keys: keys, now: time.Now}
}

type unsealed struct {
	key     *ecdsa.PrivateKey
	address common.Address
	creds   Credentials
}

func credentialError(reason string, err error) error {
	return models.NewError(models.KindCredentialDecryption, reason, err)
}

// Store seals creds under ref. It returns the signer address.
func (c *Custodian) Store(ctx context.Context, ref string, creds Credentials) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	blob, err := c.keys.Encrypt(plain)
	if err != nil {
		return "", err
	}
	if err := c.store.PutCredentialBlob(ctx, ref, blob); err != nil {
		return "", fmt.Errorf("store credentials: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func (c *Custodian) load(ctx context.Context, ref string) (*unsealed, error) {
	if ref == "" {
		return nil, credentialError("missing", errors.New("no credentials reference"))
	}
	blob, err := c.store.GetCredentialBlob(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", ref, err)
	}
	if blob == "" {
		return nil, credentialError("missing", fmt.Errorf("no credentials stored for %s", ref))
	}
	plain, err := c.keys.Decrypt(blob)
	if err != nil {
		return nil, credentialError("decrypt", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, credentialError("decode", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
	if err != nil {
		return nil, credentialError("private_key", errors.New("stored private key is invalid"))
	}
	return &unsealed{key: key, address: crypto.PubkeyToAddress(key.PublicKey), creds: creds}, nil
}

// SignOrder signs the order digest. The order's signer field must match the stored key.
func (c *Custodian) SignOrder(ctx context.Context, payload api.OrderPayload, ref string) (string, error) {
	u, err := c.load(ctx, ref)
	if err != nil {
		return "", err
	}
	if payload.Order != nil && !strings.EqualFold(payload.Order.Signer, u.address.Hex()) {
		return "", credentialError("signer_mismatch", fmt.Errorf("order signer %s does not match stored key", payload.Order.Signer))
	}
	if len(payload.Digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(payload.Digest))
	}

	signature, err := crypto.Sign(payload.Digest, u.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	// Adjust v value for Ethereum (add 27)
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}

func (c *Custodian) Owner(ctx context.Context, ref string) (string, error) {
	u, err := c.load(ctx, ref)
	if err != nil {
		return "", err
	}
	if u.creds.APIKey == "" {
		return "", credentialError("api_key", errors.New("no API key stored"))
	}
	return u.creds.APIKey, nil
}

// AuthHeaders builds the CLOB L2 headers: HMAC of timestamp + method + path + body.
func (c *Custodian) AuthHeaders(ctx context.Context, ref, method, path string, body []byte) (http.Header, error) {
	u, err := c.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if u.creds.APIKey == "" || u.creds.APISecret == "" {
		return nil, credentialError("api_key", errors.New("no API credentials stored"))
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	message := timestamp + method + path + string(body)

	h := http.Header{}
	h.Set("POLY_ADDRESS", u.address.Hex())
	h.Set("POLY_API_KEY", u.creds.APIKey)
	h.Set("POLY_PASSPHRASE", u.creds.APIPassphrase)
	h.Set("POLY_TIMESTAMP", timestamp)
	h.Set("POLY_SIGNATURE", hmacSign(message, u.creds.APISecret))
	return h, nil
}

func hmacSign(message string, secret string) string {
	// Decode URL-safe base64 secret
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		// Try standard base64
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			// If not base64, use as-is
			key = []byte(secret)
		}
	}

	// HMAC-SHA256 signature
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

var _ api.Signer = (*Custodian)(nil)
