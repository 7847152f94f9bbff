package events

import (
	"time"

	"github.com/google/uuid"
)

// Event payload types shared between the emitting services and downstream
// consumers (audit, analytics, notification triggers).

// Event type names for the known back-office events.
const (
	TypePartnerApproved     = "partner.approved"
	TypePartnerRejected     = "partner.rejected"
	TypeKYCDocumentVerified = "kyc.document.verified"
	TypeKYCDocumentRejected = "kyc.document.rejected"
	TypePaymentSettled      = "payment.settled"
	TypeRiskScoreChanged    = "risk.score.changed"
	TypeCommodityListed     = "commodity.listed"
	TypeTradeCaptured       = "trade.captured"
	TypeNotificationRequest = "notification.requested"
)

// PartnerApprovedPayload is the payload for a partner.approved event.
type PartnerApprovedPayload struct {
	PartnerID  uuid.UUID `json:"partner_id"`
	LegalName  string    `json:"legal_name"`
	Country    string    `json:"country"`
	RiskTier   string    `json:"risk_tier"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

// PartnerRejectedPayload is the payload for a partner.rejected event.
type PartnerRejectedPayload struct {
	PartnerID  uuid.UUID `json:"partner_id"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// KYCDocumentVerifiedPayload is the payload for a kyc.document.verified event.
type KYCDocumentVerifiedPayload struct {
	PartnerID    uuid.UUID `json:"partner_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentType string    `json:"document_type"`
	VerifiedAt   time.Time `json:"verified_at"`
}

// PaymentSettledPayload is the payload for a payment.settled event.
type PaymentSettledPayload struct {
	PaymentID uuid.UUID `json:"payment_id"`
	PartnerID uuid.UUID `json:"partner_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	SettledAt time.Time `json:"settled_at"`
	Reference string    `json:"reference,omitempty"`
}

// RiskScoreChangedPayload is the payload for a risk.score.changed event.
type RiskScoreChangedPayload struct {
	PartnerID     uuid.UUID `json:"partner_id"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	ChangedAt     time.Time `json:"changed_at"`
}

// CommodityListedPayload is the payload for a commodity.listed event.
type CommodityListedPayload struct {
	CommodityID uuid.UUID `json:"commodity_id"`
	Symbol      string    `json:"symbol"`
	Name        string    `json:"name"`
	Unit        string    `json:"unit"`
	ListedAt    time.Time `json:"listed_at"`
}

// TradeCapturedPayload is the payload for a trade.captured event.
type TradeCapturedPayload struct {
	TradeID     uuid.UUID `json:"trade_id"`
	CommodityID uuid.UUID `json:"commodity_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	Quantity    string    `json:"quantity"`
	Price       string    `json:"price"`
	CapturedAt  time.Time `json:"captured_at"`
}
