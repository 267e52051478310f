package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const encryptedBlockType = "ENCRYPTED RSA PRIVATE KEY"

// LoadOrGenerateKeyPair loads an RSA private key from path, or generates one
// of the given size and saves it if the file doesn't exist. With a non-empty
// passphrase the key is stored AES-GCM encrypted under an argon2id key.
func LoadOrGenerateKeyPair(path, passphrase string, bits int) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKeyFile(data, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	priv, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}
	out, err := encodeKeyFile(priv, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return priv, nil
}

func encodeKeyFile(priv *rsa.PrivateKey, passphrase string) ([]byte, error) {
	der := x509.MarshalPKCS1PrivateKey(priv)
	if passphrase == "" {
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
	}
	ct, salt, nonce, err := AESEncrypt(der, passphrase)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type: encryptedBlockType,
		Headers: map[string]string{
			"Salt":  hex.EncodeToString(salt),
			"Nonce": hex.EncodeToString(nonce),
		},
		Bytes: ct,
	}), nil
}

func decodeKeyFile(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: key file has no PEM block", ErrInvalidKey)
	}
	der := block.Bytes
	switch block.Type {
	case "RSA PRIVATE KEY":
	case encryptedBlockType:
		if passphrase == "" {
			return nil, errors.New("key file is encrypted, passphrase required")
		}
		salt, err := hex.DecodeString(block.Headers["Salt"])
		if err != nil {
			return nil, fmt.Errorf("%w: salt: %v", ErrInvalidKey, err)
		}
		nonce, err := hex.DecodeString(block.Headers["Nonce"])
		if err != nil {
			return nil, fmt.Errorf("%w: nonce: %v", ErrInvalidKey, err)
		}
		der, err = AESDecrypt(block.Bytes, passphrase, salt, nonce)
		if err != nil {
			return nil, fmt.Errorf("unlock key file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected block %q", ErrInvalidKey, block.Type)
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}
