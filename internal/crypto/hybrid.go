package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

const sessionKeyLen = 32

// ErrDecrypt is returned when an envelope cannot be opened with the given key.
var ErrDecrypt = errors.New("crypto: decrypt failed")

// Envelope is a hybrid-encrypted, signed payload. Payload is AES-256-CBC
// ciphertext, AESParams is the session key and IV encrypted to the recipient
// with RSA-OAEP, Signature is the sender's RSA signature over both.
type Envelope struct {
	Payload   []byte `json:"payload"`
	AESParams []byte `json:"aesParams"`
	Signature []byte `json:"signature"`
}

// Seal encrypts plaintext for recipient and signs the result with sender.
func Seal(plaintext []byte, recipient *rsa.PublicKey, sender *rsa.PrivateKey) (*Envelope, error) {
	params := make([]byte, sessionKeyLen+aesIVLen)
	if _, err := rand.Read(params); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	key, iv := params[:sessionKeyLen], params[sessionKeyLen:]

	ct, err := CBCEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	encParams, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, params, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}

	env := &Envelope{Payload: ct, AESParams: encParams}
	digest := env.digest()
	env.Signature, err = rsa.SignPKCS1v15(rand.Reader, sender, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return env, nil
}

// Open recovers the plaintext. It does not check the signature; see Verify.
func Open(env *Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	params, err := rsa.DecryptOAEP(sha256.New(), nil, priv, env.AESParams, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: session key: %v", ErrDecrypt, err)
	}
	if len(params) != sessionKeyLen+aesIVLen {
		return nil, fmt.Errorf("%w: session key length %d", ErrDecrypt, len(params))
	}
	pt, err := CBCDecrypt(params[:sessionKeyLen], params[sessionKeyLen:], env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// Verify reports whether env was signed by the holder of pub. It checks the
// still-encrypted envelope, so a relay can verify without reading it.
func Verify(env *Envelope, pub *rsa.PublicKey) bool {
	if env == nil || pub == nil {
		return false
	}
	digest := env.digest()
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], env.Signature) == nil
}

func (e *Envelope) digest() [sha256.Size]byte {
	h := sha256.New()
	h.Write(e.AESParams)
	h.Write(e.Payload)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
