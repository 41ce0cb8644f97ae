package convert

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"path/filepath"

	"github.com/antchfx/xmlquery"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/exchange-relay/internal/xmldoc"
)

const envelopeNS = "urn://exchange-relay/envelope/1.0"

type clientMessage struct {
	XMLName  xml.Name         `xml:"ClientMessage"`
	XMLNS    string           `xml:"xmlns,attr"`
	Request  *requestMessage  `xml:"RequestMessage,omitempty"`
	Response *responseMessage `xml:"ResponseMessage,omitempty"`
}

type requestMessage struct {
	ClientID     string        `xml:"RequestMetadata>clientId"`
	DocumentType string        `xml:"RequestMetadata>documentType,omitempty"`
	Content      primaryHolder `xml:"RequestContent>content"`
}

type responseMessage struct {
	ClientID        string `xml:"ResponseMetadata>clientId"`
	ReplyToClientID string `xml:"ResponseMetadata>replyToClientId"`
	Status          string `xml:"ResponseContent>status>code"`
}

type primaryHolder struct {
	Primary     innerXML           `xml:"MessagePrimaryContent"`
	Signature   string             `xml:"PersonalSignature,omitempty"`
	Attachments []attachmentHeader `xml:"AttachmentHeaderList>AttachmentHeader"`
}

type innerXML struct {
	Body []byte `xml:",innerxml"`
}

type attachmentHeader struct {
	ID             string `xml:"Id"`
	FilePath       string `xml:"filePath"`
	SignaturePKCS7 string `xml:"SignaturePKCS7,omitempty"`
}

// Envelope is a minimal converter: it embeds the document verbatim as primary
// content and references signatures and attachments in the envelope.
type Envelope struct{}

func NewEnvelope() *Envelope { return &Envelope{} }

func (e *Envelope) ToEnvelope(_ context.Context, document []byte, meta EnvelopeMeta) ([]byte, error) {
	msg := clientMessage{
		XMLNS: envelopeNS,
		Request: &requestMessage{
			ClientID:     meta.CorrelationID,
			DocumentType: meta.DocumentType,
			Content:      primaryHolder{Primary: innerXML{Body: stripDeclaration(document)}},
		},
	}
	if len(meta.Signature) > 0 {
		msg.Request.Content.Signature = base64.StdEncoding.EncodeToString(meta.Signature)
	}
	if meta.AttachmentPath != "" {
		msg.Request.Content.Attachments = []attachmentHeader{{
			ID:             meta.AttachmentID,
			FilePath:       meta.AttachmentPath,
			SignaturePKCS7: base64.StdEncoding.EncodeToString(meta.AttachmentSignature),
		}}
	}
	return marshal(msg)
}

func (e *Envelope) ExtractPayload(_ context.Context, envelope []byte) ([]byte, error) {
	doc, err := xmldoc.Parse(envelope)
	if err != nil {
		return nil, err
	}
	holder := doc.Find("MessagePrimaryContent")
	if holder == nil {
		return nil, ErrNoPayload
	}
	for c := holder.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return []byte(xml.Header + c.OutputXML(true)), nil
		}
	}
	return nil, ErrNoPayload
}

func (e *Envelope) Acknowledge(_ context.Context, request []byte) ([]byte, error) {
	doc, err := xmldoc.Parse(request)
	if err != nil {
		return nil, err
	}
	replyTo := doc.Text("clientId")
	if replyTo == "" {
		return nil, fmt.Errorf("request has no clientId")
	}
	return marshal(clientMessage{
		XMLNS: envelopeNS,
		Response: &responseMessage{
			ClientID:        uuid.NewString(),
			ReplyToClientID: replyTo,
			Status:          "ACCEPTED",
		},
	})
}

type techDescription struct {
	XMLName       xml.Name `xml:"TechnicalDescription"`
	XMLNS         string   `xml:"xmlns,attr"`
	CorrelationID string   `xml:"correlationId"`
	DocumentType  string   `xml:"documentType"`
	FileName      string   `xml:"fileName"`
	Size          int      `xml:"size"`
	SHA256        string   `xml:"sha256"`
}

func (e *Envelope) TechnicalDescription(_ context.Context, statement []byte, meta EnvelopeMeta) ([]byte, error) {
	sum := sha256.Sum256(statement)
	return marshal(techDescription{
		XMLNS:         envelopeNS,
		CorrelationID: meta.CorrelationID,
		DocumentType:  meta.DocumentType,
		FileName:      meta.FileName,
		Size:          len(statement),
		SHA256:        hex.EncodeToString(sum[:]),
	})
}

type packagedRequest struct {
	XMLName       xml.Name `xml:"PackagedRequest"`
	XMLNS         string   `xml:"xmlns,attr"`
	CorrelationID string   `xml:"correlationId"`
	DocumentType  string   `xml:"documentType"`
	Archive       string   `xml:"archive"`
}

func (e *Envelope) RewriteRequest(_ context.Context, _ []byte, meta EnvelopeMeta) ([]byte, error) {
	return marshal(packagedRequest{
		XMLNS:         meta.DocumentType,
		CorrelationID: meta.CorrelationID,
		DocumentType:  meta.DocumentType,
		Archive:       filepath.Base(meta.AttachmentPath),
	})
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stripDeclaration(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if bytes.HasPrefix(b, []byte("<?xml")) {
		if i := bytes.Index(b, []byte("?>")); i >= 0 {
			return bytes.TrimSpace(b[i+2:])
		}
	}
	return b
}
