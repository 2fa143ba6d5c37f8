// Package intake reduces transcribed caller utterances to visitor hints.
// It is keyword matching, not language understanding: anything it cannot
// place is left empty and the call escalates with what is known.
package intake

import (
	"regexp"
	"strings"

	"github.com/davidahmann/portero/core/schema/v1/access"
)

const (
	PurposeDelivery = "delivery"
	PurposeVisit    = "visit"
	PurposeService  = "service"
)

var (
	namePattern     = regexp.MustCompile(`(?i)\b(?:my name is|i am|i'm|this is|me llamo|mi nombre es|soy)\s+([\p{L}][\p{L}'\-]*(?:\s+[\p{L}][\p{L}'\-]*){0,2})`)
	unitPattern     = regexp.MustCompile(`(?i)\b(?:unit|apartment|apt|flat|depto|departamento|casa|house)\.?\s*(?:no\.?|n[°º]|#)?\s*([0-9]+[a-z]?)\b`)
	visitingPattern = regexp.MustCompile(`(?i)\b(?:visiting|here to see|to see|vengo a ver a|visitar a|busco a)\s+([\p{L}][\p{L}'\-]*(?:\s+[\p{L}][\p{L}'\-]*){0,2})`)
	documentPattern = regexp.MustCompile(`\b(\d{1,2}[.\- ]?\d{3,4}[.\- ]?\d{3,4}(?:-[\dkK])?)\b`)
)

var (
	deliveryHints = []string{"delivery", "package", "parcel", "courier", "uber eats", "rappi", "pedidosya", "pedido", "encomienda", "paquete", "despacho", "reparto"}
	serviceHints  = []string{"plumber", "electrician", "technician", "repair", "maintenance", "gasfiter", "tecnico", "técnico", "mantencion", "mantención"}
	visitHints    = []string{"visit", "visiting", "friend", "family", "visita", "amigo", "amiga", "familia"}
	stopWords     = map[string]struct{}{"and": {}, "from": {}, "with": {}, "for": {}, "to": {}, "y": {}, "de": {}, "del": {}, "con": {}, "para": {}, "in": {}, "en": {}}
)

// Hints are what one utterance revealed.
type Hints struct {
	Name       string
	Purpose    string
	UnitHint   string
	DocumentID string
}

func (h Hints) Empty() bool {
	return h.Name == "" && h.Purpose == "" && h.UnitHint == "" && h.DocumentID == ""
}

func Extract(text string) Hints {
	normalized := strings.Join(strings.Fields(text), " ")
	hints := Hints{Purpose: InferPurpose(normalized)}
	if match := namePattern.FindStringSubmatch(normalized); match != nil {
		hints.Name = trimName(match[1])
	}
	if match := unitPattern.FindStringSubmatch(normalized); match != nil {
		hints.UnitHint = strings.ToUpper(match[1])
	} else if match := visitingPattern.FindStringSubmatch(normalized); match != nil {
		hints.UnitHint = trimName(match[1])
	}
	if match := documentPattern.FindStringSubmatch(normalized); match != nil {
		hints.DocumentID = match[1]
	}
	return hints
}

// InferPurpose classifies a free-form purpose. Delivery wins over the
// others because it is the only purpose routing acts on.
func InferPurpose(text string) string {
	lowered := strings.ToLower(text)
	switch {
	case hasHint(lowered, deliveryHints...):
		return PurposeDelivery
	case hasHint(lowered, serviceHints...):
		return PurposeService
	case hasHint(lowered, visitHints...):
		return PurposeVisit
	default:
		return ""
	}
}

func IsDelivery(purpose string) bool {
	return InferPurpose(purpose) == PurposeDelivery
}

// Merge folds hints into a visitor. Fields already known are kept so a
// later stray phrase cannot overwrite them.
func Merge(visitor access.Visitor, hints ...Hints) access.Visitor {
	for _, hint := range hints {
		if visitor.Name == "" {
			visitor.Name = hint.Name
		}
		if visitor.Purpose == "" {
			visitor.Purpose = hint.Purpose
		}
		if visitor.UnitHint == "" {
			visitor.UnitHint = hint.UnitHint
		}
		if visitor.DocumentID == "" {
			visitor.DocumentID = hint.DocumentID
		}
	}
	return visitor
}

func hasHint(text string, hints ...string) bool {
	for _, hint := range hints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

func trimName(raw string) string {
	words := strings.Fields(raw)
	kept := make([]string, 0, len(words))
	for _, word := range words {
		if _, stop := stopWords[strings.ToLower(word)]; stop {
			break
		}
		kept = append(kept, word)
	}
	return strings.Join(kept, " ")
}
