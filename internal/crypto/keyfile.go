package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyfileIterations = 600_000
	keyfileSaltLen    = 16
)

// Credentials is the decrypted content of an exchange key file.
type Credentials struct {
	ApiKey    string `json:"api_key"`
	ApiSecret string `json:"api_secret"`
}

// keyfileEnvelope is the on-disk format: PBKDF2 parameters plus an
// AES-256-GCM sealed payload.
type keyfileEnvelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Iterations int    `json:"iterations"`
}

// SaveCredentials encrypts creds under password and writes the envelope to
// path with owner-only permissions.
func SaveCredentials(path, password string, creds Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("crypto: marshal credentials: %w", err)
	}

	salt := make([]byte, keyfileSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("crypto: generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, keyfileIterations)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("crypto: generate nonce: %w", err)
	}

	env := keyfileEnvelope{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plain, nil),
		Iterations: keyfileIterations,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("crypto: marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return nil
}

// LoadCredentials reads and decrypts an encrypted key file.
func LoadCredentials(path, password string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("crypto: read key file: %w", err)
	}
	var env keyfileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Credentials{}, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if env.Iterations <= 0 {
		env.Iterations = keyfileIterations
	}

	gcm, err := newGCM(password, env.Salt, env.Iterations)
	if err != nil {
		return Credentials{}, err
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("crypto: decrypt key file (wrong password?): %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, fmt.Errorf("crypto: parse credentials: %w", err)
	}
	return creds, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return gcm, nil
}
