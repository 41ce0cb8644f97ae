// Package response handles messages the gateway writes to its inbound folder.
package response

import (
	"fmt"
	"slices"

	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/registry"
	"github.com/joseph-ayodele/exchange-relay/internal/xmldoc"
)

// Kind is the closed set of response shapes.
type Kind int

const (
	KindPrimary Kind = iota + 1
	KindStatus
	KindBusinessStatus
	KindReject
	KindError
	KindInboundRequest
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "PRIMARY"
	case KindStatus:
		return "STATUS"
	case KindBusinessStatus:
		return "BUSINESS_STATUS"
	case KindReject:
		return "REJECT"
	case KindError:
		return "ERROR"
	case KindInboundRequest:
		return "INBOUND_REQUEST"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Class is a classification result. Inbound or Progress is set when a
// configured rule decided the kind.
type Class struct {
	Kind     Kind
	Inbound  *registry.InboundRequestRule
	Progress *registry.BusinessProgressRule
}

// Gateway message types.
const (
	typePrimary = "PrimaryMessage"
	typeStatus  = "StatusMessage"
	typeReject  = "RejectMessage"
	typeError   = "ErrorMessage"
)

// Classify decides what kind of response doc is. It has no side effects.
func Classify(doc *xmldoc.Doc, rules registry.ResponseRules) (Class, error) {
	for i := range rules.InboundRequests {
		r := &rules.InboundRequests[i]
		if doc.FindNS(r.Namespace, r.Element) != nil {
			return Class{Kind: KindInboundRequest, Inbound: r}, nil
		}
	}

	switch mt := doc.Text("messageType"); mt {
	case typePrimary:
		if r := matchProgress(doc, rules.BusinessProgress); r != nil {
			return Class{Kind: KindBusinessStatus, Progress: r}, nil
		}
		return Class{Kind: KindPrimary}, nil
	case typeStatus:
		if doc.Has("Sender") {
			return Class{Kind: KindBusinessStatus}, nil
		}
		return Class{Kind: KindStatus}, nil
	case typeReject:
		return Class{Kind: KindReject}, nil
	case typeError:
		return Class{Kind: KindError}, nil
	case "":
		return Class{}, common.NewKindError(common.KindClassification, "response has no messageType", common.ErrInvalidInput)
	default:
		return Class{}, common.NewKindError(common.KindClassification,
			fmt.Sprintf("unknown messageType %q", mt), common.ErrInvalidInput)
	}
}

func matchProgress(doc *xmldoc.Doc, rules []registry.BusinessProgressRule) *registry.BusinessProgressRule {
	for i := range rules {
		r := &rules[i]
		el := doc.FindNS(r.Namespace, r.Element)
		if el == nil {
			continue
		}
		if len(r.Codes) == 0 {
			return r
		}
		if code := xmldoc.Text(doc.FindNS(r.Namespace, r.CodeElement)); slices.Contains(r.Codes, code) {
			return r
		}
	}
	return nil
}
