package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"

	"github.com/google/tink/go/kwp/subtle"
	"github.com/pkg/errors"
)

const (
	// DataKeyLength is the length of the data key in bytes. It selects
	// AES-256.
	DataKeyLength int = 32

	// DefaultMasterKeyVar is the environment variable holding the master key.
	// The master key must be 16 or 32 bytes.
	DefaultMasterKeyVar = "LOCAL_MASTER_KEY"
)

// Handler seals small secrets, such as server-retained key shares, before
// they are persisted.
type Handler interface {
	Seal([]byte) ([]byte, error)
	Read([]byte) ([]byte, error)
}

// NewHandler returns a LocalEncryptionHandler keyed by the master key in
// masterKeyVar, or a pass-through handler when the variable is unset.
func NewHandler(masterKeyVar string) (Handler, error) {
	if masterKeyVar == "" {
		masterKeyVar = DefaultMasterKeyVar
	}
	if os.Getenv(masterKeyVar) == "" {
		return plainHandler{}, nil
	}
	return NewLocalEncryptionHandler(masterKeyVar)
}

// LocalEncryptionHandler envelope-encrypts data: a fresh data key encrypts
// the payload with AES-GCM and is itself wrapped with the master key.
type LocalEncryptionHandler struct {
	keyWrapper *subtle.KWP
}

// NewLocalEncryptionHandler loads the master key from masterKeyVar.
func NewLocalEncryptionHandler(masterKeyVar string) (*LocalEncryptionHandler, error) {
	masterKey := []byte(os.Getenv(masterKeyVar))
	kwp, err := subtle.NewKWP(masterKey)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid master key in %s", masterKeyVar)
	}
	return &LocalEncryptionHandler{keyWrapper: kwp}, nil
}

func (handler *LocalEncryptionHandler) generateDEK() ([]byte, error) {
	key := make([]byte, DataKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (handler *LocalEncryptionHandler) wrapDEK(dek []byte) ([]byte, error) {
	return handler.keyWrapper.Wrap(dek)
}

func (handler *LocalEncryptionHandler) unwrapDEK(wrapped []byte) ([]byte, error) {
	return handler.keyWrapper.Unwrap(wrapped)
}

func (handler *LocalEncryptionHandler) encryptData(dek, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (handler *LocalEncryptionHandler) decryptData(dek, data []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts data under a fresh data key. The output is laid out as
//
// | byte 0   | bytes 1..n  | bytes n+1.. |
// |----------|-------------|-------------|
// | key size | wrapped key | ciphertext  |
func (handler *LocalEncryptionHandler) Seal(data []byte) ([]byte, error) {
	dek, err := handler.generateDEK()
	if err != nil {
		return nil, err
	}
	ciphertext, err := handler.encryptData(dek, data)
	if err != nil {
		return nil, err
	}
	wrapped, err := handler.wrapDEK(dek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(wrapped)+len(ciphertext))
	out = append(out, byte(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, ciphertext...), nil
}

// Read reverses Seal.
func (handler *LocalEncryptionHandler) Read(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty sealed data")
	}
	keyEnd := int(data[0]) + 1
	if len(data) < keyEnd {
		return nil, errors.New("sealed data truncated")
	}
	dek, err := handler.unwrapDEK(data[1:keyEnd])
	if err != nil {
		return nil, err
	}
	return handler.decryptData(dek, data[keyEnd:])
}

// plainHandler stores data as-is when no master key is configured.
type plainHandler struct{}

func (plainHandler) Seal(data []byte) ([]byte, error) { return data, nil }
func (plainHandler) Read(data []byte) ([]byte, error) { return data, nil }
