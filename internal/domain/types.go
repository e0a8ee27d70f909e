package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// BuyRequestStatus is the primary lifecycle dimension of a buy request.
type BuyRequestStatus string

const (
	// BuyRequestStatusPending indicates the request awaits a seller decision.
	BuyRequestStatusPending BuyRequestStatus = "pending"
	// BuyRequestStatusAccepted indicates the seller committed to fulfil the request.
	BuyRequestStatusAccepted BuyRequestStatus = "accepted"
	// BuyRequestStatusRejected indicates the seller declined the request.
	BuyRequestStatusRejected BuyRequestStatus = "rejected"
	// BuyRequestStatusCompleted indicates the trade finished.
	BuyRequestStatusCompleted BuyRequestStatus = "completed"
	// BuyRequestStatusCancelled indicates the buyer withdrew the request.
	BuyRequestStatusCancelled BuyRequestStatus = "cancelled"
)

// IsValid reports whether the status is one of the known lifecycle values.
func (s BuyRequestStatus) IsValid() bool {
	switch s {
	case BuyRequestStatusPending, BuyRequestStatusAccepted, BuyRequestStatusRejected,
		BuyRequestStatusCompleted, BuyRequestStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further seller assignment can happen from this status.
func (s BuyRequestStatus) IsTerminal() bool {
	switch s {
	case BuyRequestStatusRejected, BuyRequestStatusCompleted, BuyRequestStatusCancelled:
		return true
	}
	return false
}

// OrderState is the shipment sub-state, meaningful only once a request is accepted.
type OrderState string

const (
	// OrderStateAwaitingShipping indicates goods have not left the seller yet.
	OrderStateAwaitingShipping OrderState = "awaiting_shipping"
	// OrderStateInTransit indicates goods are on the way.
	OrderStateInTransit OrderState = "in_transit"
	// OrderStateDelivered indicates goods reached the delivery location.
	OrderStateDelivered OrderState = "delivered"
	// OrderStateCompleted indicates the shipment was closed out.
	OrderStateCompleted OrderState = "completed"
)

// OrderStateProgression lists the forward order of shipment sub-states.
var OrderStateProgression = []OrderState{
	OrderStateAwaitingShipping,
	OrderStateInTransit,
	OrderStateDelivered,
	OrderStateCompleted,
}

// IsValid reports whether the sub-state is one of the known values.
func (s OrderState) IsValid() bool {
	return s.Rank() >= 0
}

// Rank returns the position of the sub-state in OrderStateProgression or -1 when unknown.
func (s OrderState) Rank() int {
	for i, candidate := range OrderStateProgression {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Counterparty references a buyer or seller account.
type Counterparty struct {
	ID   string
	Name string
}

// PurchaseOrderDocument describes a document attached to a buy request.
type PurchaseOrderDocument struct {
	ID         string
	URL        string
	ObjectPath string
	FileName   string
	MimeType   string
	Size       int64
	UploadedAt time.Time
}

// Quantity captures an amount of goods with its unit of measure.
type Quantity struct {
	Value float64
	Unit  string
}

// Money stores an amount in minor units with its currency.
type Money struct {
	Amount   int64
	Currency string
}

// BuyRequest is the tradeable unit representing one buyer's request for goods.
type BuyRequest struct {
	ID                    string
	RequestNumber         int64
	Status                BuyRequestStatus
	OrderState            *OrderState
	IsGeneral             bool
	Seller                *Counterparty
	Buyer                 Counterparty
	PurchaseOrderDoc      *PurchaseOrderDocument
	CropType              string
	Quantity              Quantity
	PriceOffer            Money
	DeliveryLocation      string
	EstimatedDeliveryDate *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Deleted               bool
	DeletedAt             *time.Time
}

// IsAssignedTo reports whether the request is committed to the given seller.
func (r BuyRequest) IsAssignedTo(sellerID string) bool {
	return r.Seller != nil && sellerID != "" && r.Seller.ID == sellerID
}

// StatusCategory is the semantic bucket a derived status falls into.
type StatusCategory string

const (
	// StatusCategoryGeneralRequest marks requests still open to any seller.
	StatusCategoryGeneralRequest StatusCategory = "general-request"
	// StatusCategoryPending marks requests awaiting a decision.
	StatusCategoryPending StatusCategory = "pending"
	// StatusCategoryRejected marks declined requests.
	StatusCategoryRejected StatusCategory = "rejected"
	// StatusCategoryCancelled marks withdrawn requests.
	StatusCategoryCancelled StatusCategory = "cancelled"
	// StatusCategoryCompleted marks finished trades.
	StatusCategoryCompleted StatusCategory = "completed"
	// StatusCategoryAwaitingShipping marks accepted requests not yet shipped.
	StatusCategoryAwaitingShipping StatusCategory = "awaiting_shipping"
	// StatusCategoryInTransit marks shipments on the way.
	StatusCategoryInTransit StatusCategory = "in_transit"
	// StatusCategoryDelivered marks delivered shipments.
	StatusCategoryDelivered StatusCategory = "delivered"
)

// DerivedStatus is the single human-facing status computed from the dual state model.
type DerivedStatus struct {
	Label    string
	Category StatusCategory
}

// NotificationType identifies the event that produced a notification.
type NotificationType string

const (
	// NotificationTypeContactMessage is a direct message between counterparties.
	NotificationTypeContactMessage NotificationType = "contact_message"
	// NotificationTypeBuyRequest announces a new or updated buy request.
	NotificationTypeBuyRequest NotificationType = "buy_request"
	// NotificationTypeOrderStatus announces a lifecycle or shipment change.
	NotificationTypeOrderStatus NotificationType = "order_status"
)

// IsValid reports whether the type is known.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationTypeContactMessage, NotificationTypeBuyRequest, NotificationTypeOrderStatus:
		return true
	}
	return false
}

// Notification is an inbound event referencing some entity.
type Notification struct {
	ID                string
	Type              NotificationType
	RecipientID       string
	RelatedEntityID   string
	RelatedEntityType string
	SenderID          string
	SenderName        string
	Message           string
	IsRead            bool
	CreatedAt         time.Time
	ReadAt            *time.Time
}
