package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/archive"
	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/convert"
	"github.com/joseph-ayodele/exchange-relay/internal/entity"
	"github.com/joseph-ayodele/exchange-relay/internal/registry"
	"github.com/joseph-ayodele/exchange-relay/internal/repository"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
	"github.com/joseph-ayodele/exchange-relay/internal/xmldoc"
)

// Rules supplies the configured response rules.
type Rules interface {
	Responses() registry.ResponseRules
}

type Paths struct {
	ExchangeDir    string
	GatewayInDir   string
	GatewayOutDir  string
	AttachmentsDir string
}

type Deps struct {
	Rules     Rules
	Converter convert.Converter
	Log       repository.LogRepository
	Logger    *slog.Logger
}

// PassStats summarizes one pass over the gateway inbound folder.
type PassStats struct {
	Scanned   uint32
	Handled   uint32
	Unmatched uint32
	Failed    uint32
	Retried   uint32
}

type Processor struct {
	inbound   *workdir.Dir
	processed *workdir.Dir
	failed    *workdir.Dir
	responses *workdir.Dir
	sentReqs  *workdir.Dir
	errorReqs *workdir.Dir
	outbound  *workdir.Dir
	attach    string

	rules     Rules
	converter convert.Converter
	log       repository.LogRepository
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Processor) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func New(paths Paths, deps Deps, opts ...Option) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := workdir.New(paths.GatewayInDir, logger)
	requests := workdir.New(filepath.Join(paths.ExchangeDir, constants.DirRequests), logger)
	p := &Processor{
		inbound:   in,
		processed: in.Sub(constants.DirProcessed),
		failed:    in.Sub(constants.DirFailed),
		responses: workdir.New(filepath.Join(paths.ExchangeDir, constants.DirResponses), logger),
		sentReqs:  requests.Sub(constants.DirProcessed),
		errorReqs: requests.Sub(constants.DirError),
		outbound:  workdir.New(paths.GatewayOutDir, logger),
		attach:    paths.AttachmentsDir,
		rules:     deps.Rules,
		converter: deps.Converter,
		log:       deps.Log,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Pass handles every ready file in the gateway inbound folder.
func (p *Processor) Pass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	items, err := p.inbound.List()
	if err != nil {
		return stats, fmt.Errorf("list gateway inbound: %w", err)
	}
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		stats.Scanned++
		matched, err := p.handle(common.WithFile(ctx, it.Name), it)
		if err == nil {
			if _, err := p.inbound.Transition(it, p.processed); err != nil {
				p.logger.Error("response.move.failed", "file", it.Name, "error", err)
				stats.Retried++
				continue
			}
			stats.Handled++
			if !matched {
				stats.Unmatched++
			}
			continue
		}

		switch kind := common.KindOf(err); kind {
		case common.KindParsing, common.KindClassification, common.KindConversion:
			if _, merr := p.inbound.Transition(it, p.failed); merr != nil {
				p.logger.Error("response.move.failed", "file", it.Name, "error", merr)
				stats.Retried++
				continue
			}
			p.logger.Warn("response.failed", "file", it.Name, "kind", kind, "error", err)
			stats.Failed++
		case common.KindAttachmentMissing, common.KindRetryable, common.KindSigning,
			common.KindQuotaExceeded, common.KindCorrelationUnresolved:
			p.logger.Warn("response.retry", "file", it.Name, "kind", kind, "error", err)
			stats.Retried++
		default:
			p.logger.Error("response.unknown_kind", "file", it.Name, "kind", kind, "error", err)
			stats.Retried++
		}
	}
	if stats.Scanned > 0 {
		p.logger.Info("response.pass.done", "scanned", stats.Scanned, "handled", stats.Handled,
			"unmatched", stats.Unmatched, "failed", stats.Failed, "retried", stats.Retried)
	}
	return stats, nil
}

// target is the request a response belongs to. rec is nil for unmatched
// responses, which are logged under the response's own file name.
type target struct {
	rec      *entity.LogRecord
	fileName string
}

func (t target) matched() bool { return t.rec != nil }

func (p *Processor) handle(ctx context.Context, it workdir.Item) (bool, error) {
	raw, err := os.ReadFile(it.Path)
	if err != nil {
		return false, common.NewAppError("IO_ERROR", "read "+it.Name, err)
	}
	doc, err := xmldoc.Parse(raw)
	if err != nil {
		return false, common.NewKindError(common.KindParsing, "parse "+it.Name, err)
	}
	class, err := Classify(doc, p.rules.Responses())
	if err != nil {
		return false, err
	}
	if class.Kind == KindInboundRequest {
		return true, p.answerInbound(ctx, doc, class.Inbound)
	}

	t, err := p.correlate(ctx, doc)
	if err != nil {
		if common.KindOf(err) != common.KindCorrelationUnresolved {
			return false, err
		}
		p.logger.Info("response.unmatched", "file", it.Name, "kind", class.Kind)
		t = target{fileName: it.Name}
	} else {
		ctx = common.WithCorrelationID(ctx, t.rec.Correlation())
	}

	switch class.Kind {
	case KindPrimary:
		err = p.primary(ctx, doc, t)
	case KindStatus:
		err = p.status(ctx, doc, t)
	case KindBusinessStatus:
		err = p.business(ctx, doc, class.Progress, t)
	case KindReject:
		err = p.reject(ctx, doc, t)
	case KindError:
		err = p.fault(ctx, doc, t)
	default:
		err = common.NewKindError(common.KindClassification, "unhandled kind "+class.Kind.String(), nil)
	}
	return t.matched(), err
}

// correlate resolves the request by replyToClientId, originalClientId and
// then OriginalMessageID, in that order.
func (p *Processor) correlate(ctx context.Context, doc *xmldoc.Doc) (target, error) {
	for _, el := range []string{"replyToClientId", "originalClientId"} {
		id := doc.Text(el)
		if id == "" {
			continue
		}
		rec, err := p.log.GetByCorrelationID(ctx, id)
		if err == nil {
			return target{rec: rec, fileName: rec.FileName}, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return target{}, err
		}
	}
	if msgID := doc.Text("OriginalMessageID"); msgID != "" {
		rec, err := p.log.GetByExternalMessageID(ctx, msgID)
		if err == nil {
			return target{rec: rec, fileName: rec.FileName}, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return target{}, err
		}
	}
	return target{}, common.NewKindError(common.KindCorrelationUnresolved, "no matching request", common.ErrNotFound)
}

// record applies u to the matched request, or logs the unmatched response as
// a new row.
func (p *Processor) record(ctx context.Context, t target, u entity.StatusUpdate) error {
	if !t.matched() {
		rec := &entity.LogRecord{
			FileName:   t.fileName,
			Status:     u.Status,
			ReceiptAt:  p.now(),
			ResponseAt: u.ResponseAt,
		}
		if u.ErrSource != "" {
			rec.ErrSource = &u.ErrSource
		}
		if u.ErrCode != "" {
			rec.ErrCode = &u.ErrCode
		}
		if u.ErrDescription != "" {
			rec.ErrDescription = &u.ErrDescription
		}
		return p.log.Insert(ctx, rec)
	}
	applied, err := p.log.ApplyStatus(ctx, t.rec.ID, u)
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Info("response.status.ignored", "correlation_id", t.rec.Correlation(),
			"current", t.rec.Status, "requested", u.Status)
	}
	return nil
}

func (p *Processor) primary(ctx context.Context, doc *xmldoc.Doc, t target) error {
	attachments, err := p.attachments(doc)
	if err != nil {
		return err
	}
	payload, err := p.converter.ExtractPayload(ctx, doc.Bytes())
	if err != nil {
		return common.NewKindError(common.KindConversion, "extract payload", err)
	}
	if len(attachments) == 0 {
		if _, err := p.responses.Place(t.fileName, payload); err != nil {
			return common.NewAppError("IO_ERROR", "write response", err)
		}
	} else if err := p.placeArchive(t.fileName, payload, attachments); err != nil {
		return err
	}
	now := p.now()
	return p.record(ctx, t, entity.StatusUpdate{Status: constants.StatusAnswered, ResponseAt: &now})
}

// attachments resolves every AttachmentHeader to a file in the attachment
// area, first under <Id>/<clientId>/ and then under <clientId>/. The gateway
// creates attachment files before filling them, so an empty file counts as
// not delivered yet.
func (p *Processor) attachments(doc *xmldoc.Doc) ([]string, error) {
	headers := doc.FindAll("", "AttachmentHeader")
	if len(headers) == 0 {
		return nil, nil
	}
	clientID := doc.Text("clientId")
	paths := make([]string, 0, len(headers))
	for _, h := range headers {
		id, file := xmldoc.ChildText(h, "Id"), xmldoc.ChildText(h, "filePath")
		if file == "" {
			return nil, common.NewKindError(common.KindParsing, "attachment header without filePath", common.ErrInvalidInput)
		}
		candidates := []string{filepath.Join(p.attach, clientID, file)}
		if id != "" {
			candidates = append([]string{filepath.Join(p.attach, id, clientID, file)}, candidates...)
		}
		found := ""
		for _, c := range candidates {
			if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
				found = c
				break
			}
		}
		if found == "" {
			return nil, common.NewKindError(common.KindAttachmentMissing, "attachment "+file+" not delivered yet", common.ErrNotReady)
		}
		paths = append(paths, found)
	}
	return paths, nil
}

// placeArchive writes responses/<base>.zip with the payload under name and
// the attachment files next to it.
func (p *Processor) placeArchive(name string, payload []byte, attachments []string) error {
	entries := []archive.Entry{{Name: name, Data: payload}}
	for _, path := range attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return common.NewKindError(common.KindAttachmentMissing, "read attachment", err)
		}
		entryName := filepath.Base(path)
		if filepath.Ext(entryName) == "" {
			entryName += constants.ExtZip
		}
		entries = append(entries, archive.Entry{Name: entryName, Data: data})
	}
	zipped, err := archive.Build(entries)
	if err != nil {
		return common.NewKindError(common.KindConversion, "build response archive", err)
	}
	if _, err := p.responses.Place(zipName(name), zipped); err != nil {
		return common.NewAppError("IO_ERROR", "write response archive", err)
	}
	return nil
}

// status maps a gateway delivery notice onto the lifecycle. Unknown notices
// leave a matched request alone; an unmatched one is still logged, as a
// BUSINESS row carrying the notice text.
func (p *Processor) status(ctx context.Context, doc *xmldoc.Doc, t target) error {
	desc := doc.Text("description")
	var s constants.Status
	switch lower := strings.ToLower(desc); {
	case strings.HasPrefix(lower, "sent"):
		s = constants.StatusSent
	case strings.HasPrefix(lower, "queued"):
		s = constants.StatusPosted
	case strings.HasPrefix(lower, "delivered"):
		s = constants.StatusDelivered
	default:
		p.logger.Warn("response.status.unknown", "description", desc, "correlation_id", common.CorrelationIDFromContext(ctx))
		if t.matched() {
			return nil
		}
		return p.record(ctx, t, entity.StatusUpdate{Status: constants.StatusBusiness, ErrDescription: desc})
	}
	return p.record(ctx, t, entity.StatusUpdate{Status: s})
}

func (p *Processor) business(ctx context.Context, doc *xmldoc.Doc, rule *registry.BusinessProgressRule, t target) error {
	var code, desc string
	if rule != nil {
		code = xmldoc.Text(doc.FindNS(rule.Namespace, rule.CodeElement))
		if rule.DescriptionElement != "" {
			desc = xmldoc.Text(doc.FindNS(rule.Namespace, rule.DescriptionElement))
		}
	} else {
		code = doc.Text("code")
		desc = doc.Text("description")
		for _, param := range doc.FindAll("", "parameter") {
			if k := xmldoc.ChildText(param, "key"); k != "" {
				desc += "; " + k
			}
			if v := xmldoc.ChildText(param, "value"); v != "" {
				desc += ":" + v
			}
		}
	}
	return p.record(ctx, t, entity.StatusUpdate{
		Status:         constants.StatusBusiness,
		ErrCode:        code,
		ErrDescription: desc,
	})
}

func (p *Processor) reject(ctx context.Context, doc *xmldoc.Doc, t target) error {
	var codes, descs []string
	for _, r := range doc.FindAll("", "rejects") {
		if c := xmldoc.ChildText(r, "code"); c != "" {
			codes = append(codes, c)
		}
		if d := xmldoc.ChildText(r, "description"); d != "" {
			descs = append(descs, d)
		}
	}
	payload, err := p.converter.ExtractPayload(ctx, doc.Bytes())
	switch {
	case err == nil:
		if _, err := p.responses.Place(t.fileName, payload); err != nil {
			return common.NewAppError("IO_ERROR", "write response", err)
		}
	case errors.Is(err, convert.ErrNoPayload):
		p.logger.Debug("response.reject.no_payload", "file", t.fileName)
	default:
		return common.NewKindError(common.KindConversion, "extract payload", err)
	}
	now := p.now()
	return p.record(ctx, t, entity.StatusUpdate{
		Status:         constants.StatusRejected,
		ErrCode:        strings.Join(codes, " "),
		ErrDescription: strings.Join(descs, " "),
		ResponseAt:     &now,
	})
}

// fault records a gateway error. The request file is moved to requests/error
// whether or not the guard lets the status change through.
func (p *Processor) fault(ctx context.Context, doc *xmldoc.Doc, t target) error {
	desc := doc.Text("description")
	if details := doc.Text("details"); details != "" {
		desc += "\n" + details
	}
	now := p.now()
	if err := p.record(ctx, t, entity.StatusUpdate{
		Status:         constants.StatusFailed,
		ErrSource:      doc.Text("type"),
		ErrCode:        doc.Text("code"),
		ErrDescription: desc,
		ResponseAt:     &now,
	}); err != nil {
		return err
	}
	if !t.matched() {
		return nil
	}
	src := filepath.Join(p.sentReqs.Path(), t.fileName)
	info, err := os.Stat(src)
	if err != nil {
		p.logger.Warn("response.error.request_missing", "file", t.fileName, "error", err)
		return nil
	}
	req := workdir.Item{Name: t.fileName, Path: src, Size: info.Size(), ModTime: info.ModTime()}
	if _, err := p.sentReqs.Transition(req, p.errorReqs); err != nil {
		p.logger.Error("response.error.request_move_failed", "file", t.fileName, "error", err)
	}
	return nil
}

// answerInbound answers a request sent to us through the gateway. Each
// container becomes its own response archive; the gateway gets one
// acknowledgement for the whole message.
func (p *Processor) answerInbound(ctx context.Context, doc *xmldoc.Doc, rule *registry.InboundRequestRule) error {
	parts, err := doc.Split(rule.Namespace, rule.Container)
	if err != nil {
		return common.NewKindError(common.KindParsing, "split inbound request", err)
	}
	clientID := doc.Text("clientId")

	type answer struct {
		key, name, attachment string
		body                  []byte
	}
	answers := make([]answer, 0, len(parts))
	for _, part := range parts {
		sub, err := xmldoc.Parse(part)
		if err != nil {
			return common.NewKindError(common.KindParsing, "parse inbound part", err)
		}
		a := answer{body: part, name: clientID + constants.ExtXML}
		if rule.DocumentKey != "" {
			a.key = sub.Text(rule.DocumentKey)
		}
		if a.key != "" {
			rec, err := p.log.GetByDocumentKey(ctx, a.key)
			switch {
			case err == nil:
				a.name = rec.FileName
			case !errors.Is(err, common.ErrNotFound):
				return err
			}
		}
		if rule.Attachment != "" {
			file := sub.Text(rule.Attachment)
			if file != "" {
				a.attachment = filepath.Join(p.attach, clientID, file)
				if info, err := os.Stat(a.attachment); err != nil || info.Size() == 0 {
					return common.NewKindError(common.KindAttachmentMissing, "attachment "+file+" not delivered yet", common.ErrNotReady)
				}
			}
		}
		answers = append(answers, a)
	}

	for _, a := range answers {
		var attachments []string
		if a.attachment != "" {
			attachments = []string{a.attachment}
		}
		if err := p.placeArchive(a.name, a.body, attachments); err != nil {
			return err
		}
		if a.key == "" {
			continue
		}
		rec, err := p.log.GetByDocumentKey(ctx, a.key)
		if errors.Is(err, common.ErrNotFound) {
			p.logger.Warn("response.inbound.no_request", "document_key", a.key)
			continue
		}
		if err != nil {
			return err
		}
		now := p.now()
		if err := p.record(ctx, target{rec: rec, fileName: rec.FileName},
			entity.StatusUpdate{Status: constants.StatusAnswered, ResponseAt: &now}); err != nil {
			return err
		}
	}

	ack, err := p.converter.Acknowledge(ctx, doc.Bytes())
	if err != nil {
		return common.NewKindError(common.KindConversion, "acknowledge inbound request", err)
	}
	if _, err := p.outbound.Place(p.newID()+constants.ExtXML, ack); err != nil {
		return common.NewAppError("IO_ERROR", "write acknowledgement", err)
	}
	p.logger.Info("response.inbound.answered", "client_id", clientID, "documents", len(answers))
	return nil
}

func zipName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + constants.ExtZip
}
