package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/argon2"
)

// Key derivation parameters. The key-encryption key is derived from the
// password with argon2id; the master key is sealed under it with
// AES-256-GCM.
const (
	kdfName      = "argon2id"
	kdfTime      = 3
	kdfMemoryKiB = 64 * 1024
	kdfThreads   = 4
	keyLen       = 32
	saltLen      = 32

	gcmNonceLen = 12
	gcmTagLen   = 16

	keystoreVersion = 1

	// SecureFileMode is applied to the key file and the socket.
	SecureFileMode fs.FileMode = 0600
)

// ErrWrongPassword is returned when the password cannot open the sealed
// master key.
var ErrWrongPassword = errors.New("wrong password")

// keystoreFile is the on-disk record holding the sealed master key.
type keystoreFile struct {
	Version      int    `json:"version"`
	KDF          string `json:"kdf"`
	Salt         string `json:"salt"`
	Nonce        string `json:"nonce"`
	EncryptedKey string `json:"encrypted_key"`
}

func deriveKEK(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemoryKiB, kdfThreads, keyLen)
}

// sealGCM encrypts plaintext under key with a fresh random nonce and
// returns nonce, ciphertext and tag separately.
func sealGCM(key, plaintext []byte) (nonce, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gcm init: %w", err)
	}
	nonce = make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcmTagLen
	return nonce, sealed[:split], sealed[split:], nil
}

// openGCM reverses sealGCM. Authentication failure is reported as-is so
// callers can map it to a password or corruption error.
func openGCM(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return aead.Open(nil, nonce, sealed, nil)
}

// CreateKeystore generates a fresh 32-byte master key, seals it under
// the password-derived key, and writes the key file with mode 0600. The
// master key is returned so the caller can enter the unlocked state.
func CreateKeystore(path, password string) ([]byte, error) {
	master := make([]byte, keyLen)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	kek := deriveKEK(password, salt)
	defer zero(kek)

	nonce, ct, tag, err := sealGCM(kek, master)
	if err != nil {
		return nil, err
	}

	enc := base64.StdEncoding
	record := keystoreFile{
		Version:      keystoreVersion,
		KDF:          kdfName,
		Salt:         enc.EncodeToString(salt),
		Nonce:        enc.EncodeToString(nonce),
		EncryptedKey: enc.EncodeToString(append(ct, tag...)),
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode keystore: %w", err)
	}
	if err := os.WriteFile(path, raw, SecureFileMode); err != nil {
		return nil, fmt.Errorf("write keystore: %w", err)
	}
	return master, nil
}

// OpenKeystore derives the key-encryption key from the password and
// unseals the master key. A bad password surfaces as ErrWrongPassword.
func OpenKeystore(path, password string) ([]byte, error) {
	record, err := loadKeystore(path)
	if err != nil {
		return nil, err
	}
	enc := base64.StdEncoding
	salt, err := enc.DecodeString(record.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore salt: %w", err)
	}
	nonce, err := enc.DecodeString(record.Nonce)
	if err != nil {
		return nil, fmt.Errorf("keystore nonce: %w", err)
	}
	sealed, err := enc.DecodeString(record.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("keystore key: %w", err)
	}
	if len(sealed) <= gcmTagLen {
		return nil, fmt.Errorf("keystore key too short")
	}

	kek := deriveKEK(password, salt)
	defer zero(kek)

	split := len(sealed) - gcmTagLen
	master, err := openGCM(kek, nonce, sealed[:split], sealed[split:])
	if err != nil {
		return nil, ErrWrongPassword
	}
	return master, nil
}

// loadKeystore reads and validates the on-disk record shape.
func loadKeystore(path string) (*keystoreFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var record keystoreFile
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if record.Version != keystoreVersion || record.KDF != kdfName {
		return nil, fmt.Errorf("unsupported keystore version %d kdf %q", record.Version, record.KDF)
	}
	if record.Salt == "" || record.Nonce == "" || record.EncryptedKey == "" {
		return nil, fmt.Errorf("keystore record incomplete")
	}
	return &record, nil
}

// InspectKeystore reports the disk-decided state: needs_setup when the
// file is absent, locked when it parses, and needs_setup with corrupted
// set when it exists but cannot be used.
func InspectKeystore(path string) (State, bool) {
	if _, err := os.Stat(path); err != nil {
		return StateNeedsSetup, false
	}
	if _, err := loadKeystore(path); err != nil {
		return StateNeedsSetup, true
	}
	return StateLocked, false
}

// zero overwrites b so key material does not linger in memory.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
