package service

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/moduly/moduly/common/crypto"
)

// encryptedPlaceholder stands in for chunk content that fails to
// decrypt. One corrupt row must never fail a whole search.
const encryptedPlaceholder = "[ENCRYPTED CONTENT]"

// readContent returns chunk plaintext. Values carrying the token prefix
// are decrypted; everything else passes through unchanged.
func readContent(f *crypto.Fernet, stored string) string {
	if !crypto.IsToken(stored) {
		return stored
	}
	plaintext, err := f.DecryptString(stored)
	if err != nil {
		return encryptedPlaceholder
	}
	return plaintext
}

// hashText is the content identity used for embedding reuse.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
