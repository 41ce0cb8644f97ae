// Package ingest turns business documents dropped into the exchange folder
// into prepared gateway envelopes.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/convert"
	"github.com/joseph-ayodele/exchange-relay/internal/entity"
	"github.com/joseph-ayodele/exchange-relay/internal/registry"
	"github.com/joseph-ayodele/exchange-relay/internal/repository"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
	"github.com/joseph-ayodele/exchange-relay/internal/xmldoc"
)

// PassStats summarizes one pass over the inbound directory.
type PassStats struct {
	Scanned   uint32
	Processed uint32
	Failed    uint32
	Overlimit uint32
	Retried   uint32
}

// Quota is the daily counter owned by the pipeline.
type Quota interface {
	CheckRollover(ctx context.Context) (bool, error)
	NextSequence(docType string) int
	Release(docType string)
	Persist(ctx context.Context) error
	Today() time.Time
	Now() time.Time
}

// Signer is the liveness-aware signer.
type Signer interface {
	Available() bool
	Recover(ctx context.Context) bool
	Sign(ctx context.Context, content []byte, alias string) ([]byte, error)
}

// Registry resolves document types by root namespace.
type Registry interface {
	Lookup(namespace string) (registry.Descriptor, bool)
}

type Deps struct {
	Registry  Registry
	Quota     Quota
	Signer    Signer
	Converter convert.Converter
	Log       repository.LogRepository
	Logger    *slog.Logger
}

// Pipeline processes requests/ one file at a time. It is not safe for
// concurrent passes.
type Pipeline struct {
	inbound   *workdir.Dir
	processed *workdir.Dir
	failed    *workdir.Dir
	overlimit *workdir.Dir
	scratch   *workdir.Dir
	prepared  *workdir.Dir
	attach    string

	registry  Registry
	quota     Quota
	signer    Signer
	converter convert.Converter
	log       repository.LogRepository
	logger    *slog.Logger

	parseGrace      time.Duration
	persistEachItem bool
	newID           func() string
}

type Option func(*Pipeline)

// WithParseGrace sets how long a file that does not parse is retried before
// it is moved to failed.
func WithParseGrace(d time.Duration) Option {
	return func(p *Pipeline) { p.parseGrace = d }
}

func WithPersistEachItem(on bool) Option {
	return func(p *Pipeline) { p.persistEachItem = on }
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// New lays the pipeline over exchangeDir. Packaged archives are written
// below attachmentsDir.
func New(exchangeDir, attachmentsDir string, deps Deps, opts ...Option) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inbound := workdir.New(filepath.Join(exchangeDir, constants.DirRequests), logger)
	p := &Pipeline{
		inbound:    inbound,
		processed:  inbound.Sub(constants.DirProcessed),
		failed:     inbound.Sub(constants.DirFailed),
		overlimit:  inbound.Sub(constants.DirOverlimit),
		scratch:    inbound.Sub(constants.DirSign),
		prepared:   workdir.New(filepath.Join(exchangeDir, constants.DirPrepared), logger),
		attach:     attachmentsDir,
		registry:   deps.Registry,
		quota:      deps.Quota,
		signer:     deps.Signer,
		converter:  deps.Converter,
		log:        deps.Log,
		logger:     logger,
		parseGrace: time.Minute,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeOverlimit
	outcomeRetried
)

// Pass runs the rollover check, then handles every ready file in requests/.
func (p *Pipeline) Pass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	if rolled, err := p.quota.CheckRollover(ctx); err != nil {
		p.logger.Warn("ingest.rollover.incomplete", "error", err)
	} else if rolled {
		p.logger.Info("ingest.rollover.done")
	}
	if !p.signer.Available() {
		p.signer.Recover(ctx)
	}

	items, err := p.inbound.List()
	if err != nil {
		return stats, fmt.Errorf("list inbound: %w", err)
	}
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		stats.Scanned++
		switch p.processFile(ctx, it) {
		case outcomeProcessed:
			stats.Processed++
		case outcomeFailed:
			stats.Failed++
		case outcomeOverlimit:
			stats.Overlimit++
		case outcomeRetried:
			stats.Retried++
		}
		if p.persistEachItem {
			if err := p.quota.Persist(ctx); err != nil {
				p.logger.Error("ingest.quota.persist.failed", "error", err)
			}
		}
	}
	if err := p.quota.Persist(ctx); err != nil {
		return stats, fmt.Errorf("persist counters: %w", err)
	}
	if stats.Scanned > 0 {
		p.logger.Info("ingest.pass.done",
			"scanned", stats.Scanned, "processed", stats.Processed, "failed", stats.Failed,
			"overlimit", stats.Overlimit, "retried", stats.Retried)
	}
	return stats, nil
}

func (p *Pipeline) processFile(ctx context.Context, it workdir.Item) outcome {
	ctx = common.WithFile(ctx, it.Name)
	err := p.handle(ctx, it)
	if err == nil {
		return outcomeProcessed
	}

	switch kind := common.KindOf(err); kind {
	case common.KindParsing:
		if age := time.Since(it.ModTime); age < p.parseGrace {
			p.logger.Debug("ingest.parse.retry", "file", it.Name, "age", age, "error", err)
			return outcomeRetried
		}
		return p.park(ctx, it, p.failed, outcomeFailed, err)
	case common.KindClassification, common.KindConversion:
		return p.park(ctx, it, p.failed, outcomeFailed, err)
	case common.KindQuotaExceeded:
		return p.park(ctx, it, p.overlimit, outcomeOverlimit, err)
	case common.KindSigning, common.KindAttachmentMissing, common.KindRetryable:
		p.logger.Warn("ingest.file.retry", "file", it.Name, "kind", kind, "error", err)
		return outcomeRetried
	case common.KindCorrelationUnresolved:
		// only raised for responses
		p.logger.Error("ingest.file.unexpected_kind", "file", it.Name, "kind", kind, "error", err)
		return outcomeRetried
	default:
		p.logger.Error("ingest.file.unknown_kind", "file", it.Name, "kind", kind, "error", err)
		return outcomeRetried
	}
}

func (p *Pipeline) park(ctx context.Context, it workdir.Item, to *workdir.Dir, o outcome, cause error) outcome {
	if _, err := p.inbound.Transition(it, to); err != nil {
		p.logger.Error("ingest.file.move.failed", "file", it.Name, "to", to.Path(), "error", err)
		return outcomeRetried
	}
	level := slog.LevelWarn
	if o == outcomeOverlimit {
		level = slog.LevelInfo
	}
	p.logger.Log(ctx, level, "ingest.file.parked", "file", it.Name, "to", to.Path(), "reason", cause)
	return o
}

func (p *Pipeline) handle(ctx context.Context, it workdir.Item) error {
	body, err := os.ReadFile(it.Path)
	if err != nil {
		return common.NewAppError("IO_ERROR", "read "+it.Name, err)
	}
	doc, err := xmldoc.Parse(body)
	if err != nil {
		return common.NewKindError(common.KindParsing, "parse "+it.Name, err)
	}
	desc, ok := p.registry.Lookup(doc.RootNamespace())
	if !ok {
		return common.NewKindError(common.KindClassification,
			fmt.Sprintf("unknown document type %q", doc.RootNamespace()), common.ErrInvalidInput)
	}
	if desc.Family.NeedsSigner() && !p.signer.Available() {
		return common.NewKindError(common.KindSigning, "precheck "+desc.Name, common.ErrSignerUnavailable)
	}

	seq := p.quota.NextSequence(desc.Namespace)
	logged, err := p.prepare(ctx, it, body, doc, desc, seq)
	if err != nil && !logged {
		// nothing was recorded against seq, so the next attempt reuses it
		p.quota.Release(desc.Namespace)
		p.logger.Debug("ingest.quota.released", "file", it.Name, "document_type", desc.Name, "msg_index", seq)
	}
	return err
}

// prepare logs the item under seq and emits its artifact. logged reports
// whether a record for seq reached the store.
func (p *Pipeline) prepare(ctx context.Context, it workdir.Item, body []byte, doc *xmldoc.Doc,
	desc registry.Descriptor, seq int) (logged bool, err error) {
	keywords := p.keywords(doc, desc)
	if seq > desc.DailyQuota {
		rec := &entity.LogRecord{
			FileName:     it.Name,
			DocumentType: desc.Name,
			Keywords:     keywords,
			MsgIndex:     seq,
			Status:       constants.StatusOverlimit,
			ReceiptAt:    p.quota.Now(),
		}
		if err := p.log.Insert(ctx, rec); err != nil {
			return false, err
		}
		return true, common.NewKindError(common.KindQuotaExceeded,
			fmt.Sprintf("%s: request %d over daily quota %d", desc.Name, seq, desc.DailyQuota), nil)
	}

	correlationID := p.newID()
	ctx = common.WithCorrelationID(ctx, correlationID)
	timeout := p.quota.Today().AddDate(0, 0, desc.TimeoutDays)

	out, err := generate(ctx, request{
		name:          it.Name,
		body:          body,
		desc:          desc,
		correlationID: correlationID,
	}, p.converter, p.signer, p.scratch.Path())
	if err != nil {
		return false, err
	}

	if out.archive != nil {
		dir := workdir.New(filepath.Join(p.attach, out.archiveID), p.logger)
		if _, err := dir.Place(out.archiveName, out.archive); err != nil {
			return false, common.NewAppError("IO_ERROR", "place archive", err)
		}
	}

	rec := &entity.LogRecord{
		CorrelationID: &correlationID,
		FileName:      it.Name,
		DocumentType:  desc.Name,
		Keywords:      keywords,
		MsgIndex:      seq,
		Status:        constants.StatusPrepared,
		ReceiptAt:     p.quota.Now(),
		TimeoutAt:     &timeout,
	}
	if key := p.documentKey(doc, desc); key != "" {
		rec.DocumentKey = &key
	}
	if err := p.log.Insert(ctx, rec); err != nil {
		return false, err
	}

	tier := p.prepared.Sub(strconv.Itoa(desc.Priority))
	if _, err := tier.Place(it.Name, out.envelope); err != nil {
		return true, common.NewAppError("IO_ERROR", "place envelope", err)
	}
	if _, err := p.inbound.Transition(it, p.processed); err != nil {
		return true, common.NewAppError("IO_ERROR", "move to processed", err)
	}
	p.logger.Info("ingest.file.prepared", "file", it.Name, "correlation_id", correlationID,
		"document_type", desc.Name, "tier", desc.Priority, "msg_index", seq)
	return true, nil
}

// keywords evaluates the descriptor's expressions in order. A failing
// expression is logged and contributes nothing.
func (p *Pipeline) keywords(doc *xmldoc.Doc, desc registry.Descriptor) string {
	parts := make([]string, 0, len(desc.Keywords))
	for _, expr := range desc.Keywords {
		v, err := doc.Eval(expr)
		if err != nil {
			p.logger.Warn("ingest.keyword.failed", "expr", expr, "error", err)
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func (p *Pipeline) documentKey(doc *xmldoc.Doc, desc registry.Descriptor) string {
	if desc.DocumentKey == "" {
		return ""
	}
	v, err := doc.Eval(desc.DocumentKey)
	if err != nil {
		p.logger.Warn("ingest.document_key.failed", "expr", desc.DocumentKey, "error", err)
		return ""
	}
	return strings.TrimSpace(v)
}
