package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KeyFile signs with PEM private keys named <alias>.pem in a directory.
// RSA keys produce PKCS#1 v1.5 signatures, ECDSA keys ASN.1 signatures,
// both over SHA-256.
type KeyFile struct {
	dir  string
	mu   sync.RWMutex
	keys map[string]crypto.Signer
}

func NewKeyFile(dir string) *KeyFile {
	return &KeyFile{dir: dir}
}

func (k *KeyFile) Init(_ context.Context) error {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return err
	}
	keys := map[string]crypto.Signer{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pem" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(k.dir, e.Name()))
		if err != nil {
			return err
		}
		s, err := parseKey(b)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		keys[strings.TrimSuffix(e.Name(), ".pem")] = s
	}
	if len(keys) == 0 {
		return fmt.Errorf("no keys in %s", k.dir)
	}
	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
	return nil
}

func (k *KeyFile) Sign(_ context.Context, content []byte, alias string) ([]byte, error) {
	k.mu.RLock()
	s, ok := k.keys[alias]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key alias %q", alias)
	}
	digest := sha256.Sum256(content)
	return s.Sign(rand.Reader, digest[:], crypto.SHA256)
}

func parseKey(b []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if s, ok := key.(crypto.Signer); ok {
			return s, nil
		}
		return nil, errors.New("key cannot sign")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key")
}
