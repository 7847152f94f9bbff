package events

import "strings"

// Category partitions event types into the closed set of domains the back
// office emits events for. Unknown prefixes fall back to CategoryCustom.
type Category int

const (
	CategoryCustom Category = iota
	CategoryPartner
	CategoryKYC
	CategoryPayment
	CategoryRisk
	CategoryCommodity
	CategoryNotification
)

// Priority orders events for consumers that triage by importance. It is
// carried on the wire envelope; it does not affect dispatch order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// CategoryOf maps an event type to its category by type prefix
// (the segment before the first dot).
func CategoryOf(eventType string) Category {
	prefix := eventType
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		prefix = eventType[:i]
	}
	switch prefix {
	case "partner":
		return CategoryPartner
	case "kyc":
		return CategoryKYC
	case "payment":
		return CategoryPayment
	case "risk":
		return CategoryRisk
	case "commodity", "trade":
		return CategoryCommodity
	case "notification":
		return CategoryNotification
	default:
		return CategoryCustom
	}
}

// Priority returns the default wire priority for events of this category.
func (c Category) Priority() Priority {
	switch c {
	case CategoryPayment, CategoryRisk:
		return PriorityHigh
	case CategoryPartner, CategoryKYC, CategoryCommodity:
		return PriorityNormal
	case CategoryNotification, CategoryCustom:
		return PriorityLow
	default:
		return PriorityLow
	}
}

func (c Category) String() string {
	switch c {
	case CategoryPartner:
		return "partner"
	case CategoryKYC:
		return "kyc"
	case CategoryPayment:
		return "payment"
	case CategoryRisk:
		return "risk"
	case CategoryCommodity:
		return "commodity"
	case CategoryNotification:
		return "notification"
	case CategoryCustom:
		return "custom"
	default:
		return "custom"
	}
}
