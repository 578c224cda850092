// Package envelope opens and seals end-to-end encrypted chat messages.
//
// A message body is encrypted once with a fresh AES-256-GCM key. That key is
// wrapped with RSA-OAEP (SHA-256) for every recipient and stored in the
// envelope under the recipient's user id.
package envelope

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"cipherchat/internal/chat"
)

// Status classifies the outcome of Decrypt.
type Status int

const (
	OK Status = iota
	// NoKeyForRecipient means the message carries no wrapped key for us.
	// It is an expected state and is never retried.
	NoKeyForRecipient
	KeyUnwrapFailed
	AuthenticationFailed
	DecryptError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case NoKeyForRecipient:
		return "no_key_for_recipient"
	case KeyUnwrapFailed:
		return "key_unwrap_failed"
	case AuthenticationFailed:
		return "authentication_failed"
	case DecryptError:
		return "decrypt_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of decrypting one message.
type Result struct {
	Status    Status
	Plaintext string
	Detail    string
}

func (r Result) OK() bool { return r.Status == OK }

// Text returns the plaintext, or the inline placeholder shown in place of an
// unreadable message body.
func (r Result) Text() string {
	switch r.Status {
	case OK:
		return r.Plaintext
	case NoKeyForRecipient:
		return "[No decryption key]"
	case KeyUnwrapFailed:
		return "[Error: could not unwrap message key]"
	case AuthenticationFailed:
		return "[Error: message failed authentication]"
	default:
		return "[Error: " + r.Detail + "]"
	}
}

const keySize = 32

var oaepOpts = &rsa.OAEPOptions{Hash: crypto.SHA256}

// Decryptor opens envelopes addressed to the local user.
// The zero value is ready to use.
type Decryptor struct{}

func NewDecryptor() *Decryptor { return &Decryptor{} }

// Decrypt recovers the plaintext of msg for user self. It never panics and
// never returns an error: every failure is folded into the Result.
func (d *Decryptor) Decrypt(msg *chat.InboundMessage, self chat.ID, key crypto.Decrypter) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Status: DecryptError, Detail: fmt.Sprint(p)}
		}
	}()

	if msg == nil {
		return Result{Status: DecryptError, Detail: "empty message"}
	}
	wrapped, ok := msg.WrappedKeys[self.String()]
	if !ok || wrapped == "" {
		return Result{Status: NoKeyForRecipient}
	}
	if key == nil {
		return Result{Status: DecryptError, Detail: "no private key loaded"}
	}

	wrappedKey, err := decodeField("wrapped key", wrapped)
	if err != nil {
		return Result{Status: DecryptError, Detail: err.Error()}
	}
	iv, err := decodeField("iv", msg.IV)
	if err != nil {
		return Result{Status: DecryptError, Detail: err.Error()}
	}
	if len(iv) == 0 {
		return Result{Status: DecryptError, Detail: "missing iv"}
	}

	aesKey, err := key.Decrypt(rand.Reader, wrappedKey, oaepOpts)
	if err != nil {
		return Result{Status: KeyUnwrapFailed, Detail: err.Error()}
	}
	aead, err := newGCM(aesKey, len(iv))
	if err != nil {
		return Result{Status: KeyUnwrapFailed, Detail: err.Error()}
	}

	// Ciphertext or tag that does not even decode fails authentication.
	ciphertext, err := decodeField("content", msg.Content)
	if err != nil {
		return Result{Status: AuthenticationFailed, Detail: err.Error()}
	}
	tag, err := decodeField("tag", msg.Tag)
	if err != nil {
		return Result{Status: AuthenticationFailed, Detail: err.Error()}
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return Result{Status: AuthenticationFailed, Detail: err.Error()}
	}
	return Result{Status: OK, Plaintext: string(plain)}
}

// Seal encrypts plaintext for every recipient in recipients, keyed by user id.
func Seal(plaintext []byte, recipients map[chat.ID]*rsa.PublicKey) (chat.Envelope, error) {
	if len(recipients) == 0 {
		return chat.Envelope{}, errors.New("envelope: no recipients")
	}

	aesKey := make([]byte, keySize)
	if _, err := rand.Read(aesKey); err != nil {
		return chat.Envelope{}, fmt.Errorf("envelope: generating key: %w", err)
	}
	aead, err := newGCM(aesKey, 12)
	if err != nil {
		return chat.Envelope{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return chat.Envelope{}, fmt.Errorf("envelope: generating iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - aead.Overhead()

	wrapped := make(map[string]string, len(recipients))
	for id, pub := range recipients {
		if pub == nil {
			return chat.Envelope{}, fmt.Errorf("envelope: no public key for %s", id)
		}
		k, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
		if err != nil {
			return chat.Envelope{}, fmt.Errorf("envelope: wrapping key for %s: %w", id, err)
		}
		wrapped[id.String()] = base64.StdEncoding.EncodeToString(k)
	}

	return chat.Envelope{
		Content:     base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:          base64.StdEncoding.EncodeToString(iv),
		Tag:         base64.StdEncoding.EncodeToString(sealed[split:]),
		WrappedKeys: wrapped,
	}, nil
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return aead, nil
}

func decodeField(name, v string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("malformed %s: %w", name, err)
	}
	return b, nil
}
