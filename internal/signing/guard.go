// Package signing wraps the external signer with a liveness flag.
package signing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joseph-ayodele/exchange-relay/internal/common"
)

// Signer produces detached signatures with a configured key alias.
type Signer interface {
	Init(ctx context.Context) error
	Sign(ctx context.Context, content []byte, alias string) ([]byte, error)
}

// Guard owns the signer's availability flag. A failed Sign clears the flag;
// Recover re-initializes the signer lazily.
type Guard struct {
	signer    Signer
	logger    *slog.Logger
	available atomic.Bool
	initMu    sync.Mutex
}

// NewGuard wraps signer. A nil signer is never available.
func NewGuard(signer Signer, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{signer: signer, logger: logger}
}

func (g *Guard) Available() bool { return g.available.Load() }

// Recover initializes the signer if it is not available. It reports the
// resulting availability.
func (g *Guard) Recover(ctx context.Context) bool {
	if g.available.Load() {
		return true
	}
	if g.signer == nil {
		return false
	}
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.available.Load() {
		return true
	}
	if err := g.signer.Init(ctx); err != nil {
		g.logger.Warn("signer.init.failed", "error", err)
		return false
	}
	g.available.Store(true)
	g.logger.Info("signer.available")
	return true
}

// Sign fails fast while the signer is unavailable.
func (g *Guard) Sign(ctx context.Context, content []byte, alias string) ([]byte, error) {
	if !g.available.Load() {
		return nil, common.NewKindError(common.KindSigning, "sign", common.ErrSignerUnavailable)
	}
	sig, err := g.signer.Sign(ctx, content, alias)
	if err != nil {
		g.available.Store(false)
		g.logger.Error("signer.sign.failed", "alias", alias, "correlation_id", common.CorrelationIDFromContext(ctx), "error", err)
		return nil, common.NewKindError(common.KindSigning, "sign with "+alias, err)
	}
	return sig, nil
}
