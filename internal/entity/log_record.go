package entity

import (
	"time"

	"github.com/joseph-ayodele/exchange-relay/constants"
)

// LogRecord is one request's lifecycle row in the central log.
type LogRecord struct {
	ID                int64            `json:"log_id"`
	CorrelationID     *string          `json:"correlation_id,omitempty"`
	FileName          string           `json:"file_name"`
	DocumentType      string           `json:"document_type"`
	Keywords          string           `json:"keywords"`
	DocumentKey       *string          `json:"document_key,omitempty"`
	MsgIndex          int              `json:"msg_index"`
	Status            constants.Status `json:"status,omitempty"`
	ExternalMessageID *string          `json:"external_message_id,omitempty"`
	ResponseMessageID *string          `json:"response_message_id,omitempty"`
	ReceiptAt         time.Time        `json:"receipt_timestamp"`
	SendAt            *time.Time       `json:"send_timestamp,omitempty"`
	ResponseAt        *time.Time       `json:"response_timestamp,omitempty"`
	TimeoutAt         *time.Time       `json:"timeout_at,omitempty"`
	ErrSource         *string          `json:"err_source,omitempty"`
	ErrCode           *string          `json:"err_code,omitempty"`
	ErrDescription    *string          `json:"err_description,omitempty"`
}

// Correlation returns the correlation id or "" for unmatched rows.
func (r *LogRecord) Correlation() string {
	if r.CorrelationID == nil {
		return ""
	}
	return *r.CorrelationID
}

// StatusUpdate is a guarded status change. Empty error fields are left as they are.
type StatusUpdate struct {
	Status         constants.Status
	ErrSource      string
	ErrCode        string
	ErrDescription string
	ResponseAt     *time.Time
}
