package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// TokenPrefix is the base64 prefix every current-era token starts with
// (version byte 0x80). Readers use it to distinguish encrypted values
// from plaintext passthrough.
const TokenPrefix = "gAAAAAB"

const (
	versionByte   = 0x80
	tokenOverhead = 1 + 8 + aes.BlockSize + sha256.Size
)

// Fernet implements the symmetric envelope used for credentials and
// chunk content at rest: AES-128-CBC with PKCS7 padding, authenticated
// by HMAC-SHA256, base64url encoded.
type Fernet struct {
	signKey []byte
	encKey  []byte
}

// NewFernet parses a base64url-encoded 32-byte key. The first half signs,
// the second half encrypts.
func NewFernet(encodedKey string) (*Fernet, error) {
	key, err := base64.URLEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("fernet key must be 32 bytes, got %d", len(key))
	}
	return &Fernet{signKey: key[:16], encKey: key[16:]}, nil
}

// GenerateKey produces a fresh base64url-encoded key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// IsToken reports whether a stored value looks like an encrypted token.
func IsToken(value string) bool {
	return strings.HasPrefix(value, TokenPrefix)
}

// Encrypt seals plaintext into a token.
func (f *Fernet) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(f.encKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	token := make([]byte, 0, tokenOverhead+len(ciphertext))
	token = append(token, versionByte)
	token = binary.BigEndian.AppendUint64(token, uint64(time.Now().Unix()))
	token = append(token, iv...)
	token = append(token, ciphertext...)

	mac := hmac.New(sha256.New, f.signKey)
	mac.Write(token)
	token = mac.Sum(token)

	return base64.URLEncoding.EncodeToString(token), nil
}

// Decrypt opens a token. It rejects tampered tokens and wrong versions.
func (f *Fernet) Decrypt(encoded string) ([]byte, error) {
	token, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if len(token) < tokenOverhead || (len(token)-tokenOverhead)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed token")
	}
	if token[0] != versionByte {
		return nil, fmt.Errorf("unsupported token version 0x%02x", token[0])
	}

	body, sig := token[:len(token)-sha256.Size], token[len(token)-sha256.Size:]
	mac := hmac.New(sha256.New, f.signKey)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return nil, fmt.Errorf("token signature mismatch")
	}

	iv := body[9 : 9+aes.BlockSize]
	ciphertext := body[9+aes.BlockSize:]

	block, err := aes.NewCipher(f.encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

// DecryptString is Decrypt for string-valued columns.
func (f *Fernet) DecryptString(encoded string) (string, error) {
	raw, err := f.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
