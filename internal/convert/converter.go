// Package convert defines the document converter collaborator and ships a
// generic envelope implementation.
package convert

import (
	"context"
	"errors"
)

var ErrNoPayload = errors.New("envelope carries no primary content")

// EnvelopeMeta is the correlation metadata handed to the converter.
type EnvelopeMeta struct {
	CorrelationID string
	DocumentType  string
	FileName      string
	// Signature is a detached signature over the document, if any.
	Signature []byte
	// AttachmentID and AttachmentPath reference an archive placed in the
	// gateway attachment area.
	AttachmentID        string
	AttachmentPath      string
	AttachmentSignature []byte
}

// Converter turns business documents into gateway envelopes and back.
// Implementations are pure transforms.
type Converter interface {
	ToEnvelope(ctx context.Context, document []byte, meta EnvelopeMeta) ([]byte, error)
	ExtractPayload(ctx context.Context, envelope []byte) ([]byte, error)
	// Acknowledge builds the gateway reply to an inbound request envelope.
	Acknowledge(ctx context.Context, request []byte) ([]byte, error)
	TechnicalDescription(ctx context.Context, statement []byte, meta EnvelopeMeta) ([]byte, error)
	RewriteRequest(ctx context.Context, statement []byte, meta EnvelopeMeta) ([]byte, error)
}
