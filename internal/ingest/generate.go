package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/archive"
	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/convert"
	"github.com/joseph-ayodele/exchange-relay/internal/registry"
)

const descriptionName = "description.xml"

var errUnknownFamily = errors.New("unknown request family")

type request struct {
	name          string
	body          []byte
	desc          registry.Descriptor
	correlationID string
}

// generated is everything a request produces. archive is set for the
// packaged family only and belongs at <attachments>/<archiveID>/<archiveName>.
type generated struct {
	envelope    []byte
	archive     []byte
	archiveID   string
	archiveName string
}

// generate builds the family's artifacts. It touches nothing outside a
// private scratch directory under scratchRoot, which is removed on return.
func generate(ctx context.Context, req request, conv convert.Converter, signer Signer, scratchRoot string) (generated, error) {
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return generated{}, common.NewAppError("IO_ERROR", "create scratch root", err)
	}
	scratch, err := os.MkdirTemp(scratchRoot, req.correlationID+"-")
	if err != nil {
		return generated{}, common.NewAppError("IO_ERROR", "create scratch", err)
	}
	defer os.RemoveAll(scratch)

	meta := convert.EnvelopeMeta{
		CorrelationID: req.correlationID,
		DocumentType:  req.desc.Namespace,
		FileName:      req.name,
	}

	switch req.desc.Family {
	case registry.FamilyPlain:
		return convertOnly(ctx, conv, req.body, meta)
	case registry.FamilySigned:
		sig, err := signer.Sign(ctx, req.body, req.desc.KeyAlias)
		if err != nil {
			return generated{}, err
		}
		meta.Signature = sig
		return convertOnly(ctx, conv, req.body, meta)
	case registry.FamilyPackaged:
		return packaged(ctx, conv, signer, req, meta, scratch)
	default:
		return generated{}, common.NewKindError(common.KindClassification, string(req.desc.Family), errUnknownFamily)
	}
}

func convertOnly(ctx context.Context, conv convert.Converter, body []byte, meta convert.EnvelopeMeta) (generated, error) {
	env, err := conv.ToEnvelope(ctx, body, meta)
	if err != nil {
		return generated{}, common.NewKindError(common.KindConversion, "convert "+meta.FileName, err)
	}
	return generated{envelope: env}, nil
}

func packaged(ctx context.Context, conv convert.Converter, signer Signer, req request,
	meta convert.EnvelopeMeta, scratch string) (generated, error) {
	alias := req.desc.KeyAlias
	description, err := conv.TechnicalDescription(ctx, req.body, meta)
	if err != nil {
		return generated{}, common.NewKindError(common.KindConversion, "technical description", err)
	}
	statementSig, err := signer.Sign(ctx, req.body, alias)
	if err != nil {
		return generated{}, err
	}
	descriptionSig, err := signer.Sign(ctx, description, alias)
	if err != nil {
		return generated{}, err
	}

	id := "a" + req.correlationID
	name := id + constants.ExtZip
	archivePath := filepath.Join(scratch, name)
	entries := []archive.Entry{
		{Name: req.name, Data: req.body},
		{Name: req.name + constants.ExtSig, Data: statementSig},
		{Name: descriptionName, Data: description},
		{Name: descriptionName + constants.ExtSig, Data: descriptionSig},
	}
	if err := archive.WriteFile(archivePath, entries); err != nil {
		return generated{}, common.NewKindError(common.KindConversion, "build archive", err)
	}
	zipped, err := os.ReadFile(archivePath)
	if err != nil {
		return generated{}, common.NewAppError("IO_ERROR", "read archive", err)
	}
	archiveSig, err := signer.Sign(ctx, zipped, alias)
	if err != nil {
		return generated{}, err
	}

	meta.AttachmentID = id
	meta.AttachmentPath = name
	meta.AttachmentSignature = archiveSig
	body, err := conv.RewriteRequest(ctx, req.body, meta)
	if err != nil {
		return generated{}, common.NewKindError(common.KindConversion, "rewrite request", err)
	}
	out, err := convertOnly(ctx, conv, body, meta)
	if err != nil {
		return generated{}, err
	}
	out.archive = zipped
	out.archiveID = id
	out.archiveName = name
	return out, nil
}
