package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/logging"
)

// EncryptedPrefix marks ciphertext produced by Codec.
const EncryptedPrefix = "enc:v1:"

// Codec encrypts payloads with XChaCha20-Poly1305. A Codec built without a
// secret is disabled and passes data through.
type Codec struct {
	aead   cipher.AEAD
	logger *logging.Logger
}

// NewCodec derives a 256-bit key from secret. An empty secret yields a
// disabled codec.
func NewCodec(secret []byte, logger *logging.Logger) (*Codec, error) {
	c := &Codec{logger: logging.OrNop(logger).Named("secure")}
	if len(secret) == 0 {
		c.logger.Warn("encryption key not configured, sensitive values are stored masked only")
		return c, nil
	}

	key := sha256.Sum256(secret)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: init cipher: %w", err)
	}
	c.aead = aead
	return c, nil
}

// Enabled reports whether a key is configured.
func (c *Codec) Enabled() bool {
	return c != nil && c.aead != nil
}

// IsEncrypted reports whether data carries the ciphertext prefix.
func IsEncrypted(data []byte) bool {
	return strings.HasPrefix(string(data), EncryptedPrefix)
}

// Encrypt seals plain. When the codec is disabled the plaintext is returned
// unchanged and a warning is logged.
func (c *Codec) Encrypt(plain []byte) (string, error) {
	if !c.Enabled() {
		c.logger.Warn("encrypt requested without a key, storing plaintext")
		return string(plain), nil
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secure: nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. It returns nil on any
// failure; the cause is logged.
func (c *Codec) Decrypt(ciphertext string) []byte {
	if !c.Enabled() {
		c.logger.Warn("decrypt requested without a key")
		return nil
	}
	if !strings.HasPrefix(ciphertext, EncryptedPrefix) {
		c.logger.Warn("decrypt: missing ciphertext prefix")
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(EncryptedPrefix):])
	if err != nil {
		c.logger.Warn("decrypt: invalid encoding", zap.Error(err))
		return nil
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		c.logger.Warn("decrypt: ciphertext too short", zap.Int("length", len(raw)))
		return nil
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		c.logger.Warn("decrypt: authentication failed", zap.Error(err))
		return nil
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain
}

// EncryptValue marshals v to JSON and encrypts it.
func (c *Codec) EncryptValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("secure: marshal: %w", err)
	}
	sealed, err := c.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return []byte(sealed), nil
}

// DecryptValue decodes data into out, decrypting first when data carries
// the ciphertext prefix. Failures wrap kv.ErrDecodeFailure.
func (c *Codec) DecryptValue(data []byte, out any) error {
	plain := data
	if IsEncrypted(data) {
		plain = c.Decrypt(string(data))
		if plain == nil {
			return fmt.Errorf("%w: cannot decrypt payload", kv.ErrDecodeFailure)
		}
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: %v", kv.ErrDecodeFailure, err)
	}
	return nil
}

// Seal returns the persisted form of v: encrypted JSON when encrypt is set
// and the codec is enabled, masked JSON otherwise.
func (c *Codec) Seal(v any, encrypt bool) ([]byte, error) {
	if encrypt && c.Enabled() {
		return c.EncryptValue(v)
	}
	data, err := json.Marshal(Mask(v))
	if err != nil {
		return nil, fmt.Errorf("secure: marshal: %w", err)
	}
	return data, nil
}
