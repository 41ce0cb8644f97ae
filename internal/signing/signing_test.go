package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/joseph-ayodele/exchange-relay/internal/common"
)

type flakySigner struct {
	initErr error
	signErr error
	inits   int
}

func (f *flakySigner) Init(context.Context) error { f.inits++; return f.initErr }

func (f *flakySigner) Sign(_ context.Context, content []byte, _ string) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return append([]byte("sig:"), content...), nil
}

func TestGuardFlipsOnFailureAndRecovers(t *testing.T) {
	ctx := context.Background()
	s := &flakySigner{}
	g := NewGuard(s, nil)

	if g.Available() {
		t.Fatalf("guard available before init")
	}
	if _, err := g.Sign(ctx, []byte("x"), "a"); common.KindOf(err) != common.KindSigning {
		t.Fatalf("expected signing error before init, got %v", err)
	}
	if !g.Recover(ctx) {
		t.Fatalf("Recover failed")
	}

	s.signErr = errors.New("token removed")
	if _, err := g.Sign(ctx, []byte("x"), "a"); common.KindOf(err) != common.KindSigning {
		t.Fatalf("expected signing error, got %v", err)
	}
	if g.Available() {
		t.Fatalf("flag not cleared after failure")
	}

	s.signErr = nil
	s.initErr = errors.New("still down")
	if g.Recover(ctx) {
		t.Fatalf("Recover succeeded while init fails")
	}
	s.initErr = nil
	if !g.Recover(ctx) || s.inits != 3 {
		t.Fatalf("Recover = %v after %d inits", g.Available(), s.inits)
	}
	sig, err := g.Sign(ctx, []byte("x"), "a")
	if err != nil || string(sig) != "sig:x" {
		t.Fatalf("Sign = %q, %v", sig, err)
	}
}

func TestNilSignerNeverAvailable(t *testing.T) {
	g := NewGuard(nil, nil)
	if g.Recover(context.Background()) {
		t.Fatalf("nil signer recovered")
	}
}

func TestKeyFileSignsWithAlias(t *testing.T) {
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, "main.pem"), pemBytes, 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	kf := NewKeyFile(dir)
	if err := kf.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	sig, err := kf.Sign(context.Background(), []byte("content"), "main")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	digest := sha256.Sum256([]byte("content"))
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig) {
		t.Fatalf("signature does not verify")
	}
	if _, err := kf.Sign(context.Background(), []byte("x"), "other"); err == nil {
		t.Fatalf("expected unknown alias error")
	}
}

func TestKeyFileInitFailsWithoutKeys(t *testing.T) {
	if err := NewKeyFile(t.TempDir()).Init(context.Background()); err == nil {
		t.Fatalf("expected error for empty key dir")
	}
}
