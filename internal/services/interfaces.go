package services

import (
	"context"
	"time"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/platform/auth"
	pstorage "github.com/agri-market/api/internal/platform/storage"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination            = domain.Pagination
	BuyRequest            = domain.BuyRequest
	BuyRequestStatus      = domain.BuyRequestStatus
	OrderState            = domain.OrderState
	Counterparty          = domain.Counterparty
	PurchaseOrderDocument = domain.PurchaseOrderDocument
	DerivedStatus         = domain.DerivedStatus
	StatusCategory        = domain.StatusCategory
	Notification          = domain.Notification
	NotificationType      = domain.NotificationType
	HealthReport          = domain.HealthReport
)

// Actor is the authenticated account performing an operation.
type Actor = *auth.Identity

// BuyRequestGateway is the only component allowed to change a buy request's status, sub-state,
// seller or document. Every mutation is one atomic remote operation and is never retried.
type BuyRequestGateway interface {
	GetBuyRequest(ctx context.Context, query GetBuyRequestQuery) (BuyRequest, error)
	ListMyRequests(ctx context.Context, filter BuyRequestListFilter) (domain.CursorPage[BuyRequest], error)
	AssignSeller(ctx context.Context, cmd AssignSellerCommand) (BuyRequest, error)
	AttachDocument(ctx context.Context, cmd AttachDocumentCommand) (BuyRequest, error)
	UpdateOrderState(ctx context.Context, cmd UpdateOrderStateCommand) (BuyRequest, error)
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (BuyRequest, error)
	DeleteBuyRequest(ctx context.Context, cmd DeleteBuyRequestCommand) error
	DocumentDownloadURL(ctx context.Context, query DocumentDownloadQuery) (DocumentDownload, error)
}

// GetBuyRequestQuery fetches one request on behalf of Actor.
type GetBuyRequestQuery struct {
	Actor     Actor
	RequestID string
}

// BuyRequestListFilter narrows the buyer-scoped listing. Operators may set BuyerID to inspect another buyer.
type BuyRequestListFilter struct {
	Actor       Actor
	BuyerID     string
	Statuses    []BuyRequestStatus
	OnlyGeneral bool
	Pagination  Pagination
}

// AssignSellerCommand commits a request to Seller.
type AssignSellerCommand struct {
	Actor     Actor
	RequestID string
	Seller    Counterparty
}

// AttachDocumentCommand stores an encoded purchase-order document on a request.
type AttachDocumentCommand struct {
	Actor     Actor
	RequestID string
	Document  EncodedDocument
}

// UpdateOrderStateCommand changes the shipment sub-state.
type UpdateOrderStateCommand struct {
	Actor      Actor
	RequestID  string
	OrderState OrderState
}

// UpdateStatusCommand changes the lifecycle status.
type UpdateStatusCommand struct {
	Actor     Actor
	RequestID string
	Status    BuyRequestStatus
}

// DeleteBuyRequestCommand soft deletes a request.
type DeleteBuyRequestCommand struct {
	Actor     Actor
	RequestID string
}

// DocumentDownloadQuery asks for a signed link to a request's purchase-order document.
type DocumentDownloadQuery struct {
	Actor     Actor
	RequestID string
}

// DocumentDownload is a time-limited link to a stored document.
type DocumentDownload struct {
	URL       string
	FileName  string
	MimeType  string
	ExpiresAt time.Time
}

// DocumentStore persists document bytes and mints download links.
type DocumentStore interface {
	Put(ctx context.Context, object, contentType string, data []byte) (pstorage.StoredObject, error)
	SignedDownloadURL(ctx context.Context, object, fileName string) (pstorage.SignedURL, error)
}

// BuyRequestEventPublisher publishes buy request domain events for downstream consumers.
type BuyRequestEventPublisher interface {
	PublishBuyRequestEvent(ctx context.Context, event BuyRequestEvent) error
}

// BuyRequestEvent captures a committed gateway mutation.
type BuyRequestEvent struct {
	Type           string              `json:"type"`
	BuyRequestID   string              `json:"buyRequestId"`
	RequestNumber  int64               `json:"requestNumber"`
	BuyerID        string              `json:"buyerId"`
	SellerID       string              `json:"sellerId,omitempty"`
	Status         string              `json:"status"`
	PreviousStatus string              `json:"previousStatus,omitempty"`
	OrderState     string              `json:"orderState,omitempty"`
	DerivedStatus  DerivedStatusRecord `json:"derivedStatus"`
	ActorID        string              `json:"actorId,omitempty"`
	OccurredAt     time.Time           `json:"occurredAt"`
}

// DerivedStatusRecord is the serialised form of DerivedStatus carried on events.
type DerivedStatusRecord struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

// NotificationResolver recovers the buy request a notification refers to.
type NotificationResolver interface {
	Resolve(ctx context.Context, actor Actor, notification Notification, myRequests []BuyRequest) (BuyRequest, error)
}

// NotificationService exposes the per-recipient notification feed.
type NotificationService interface {
	ListNotifications(ctx context.Context, filter NotificationListFilter) (domain.CursorPage[Notification], error)
	GetNotification(ctx context.Context, recipientID, notificationID string) (Notification, error)
	MarkRead(ctx context.Context, cmd MarkNotificationReadCommand) (Notification, error)
	IngestNotification(ctx context.Context, cmd IngestNotificationCommand) (Notification, error)
}

// NotificationListFilter narrows feed listings.
type NotificationListFilter struct {
	RecipientID string
	UnreadOnly  bool
	Types       []NotificationType
	Pagination  Pagination
}

// MarkNotificationReadCommand flips a notification to read.
type MarkNotificationReadCommand struct {
	RecipientID    string
	NotificationID string
}

// IngestNotificationCommand is the payload delivered by the notification feed (Pub/Sub push or Kafka).
type IngestNotificationCommand struct {
	ID                string    `json:"id,omitempty"`
	Type              string    `json:"type"`
	RecipientID       string    `json:"recipientId"`
	RelatedEntityID   string    `json:"relatedEntityId,omitempty"`
	RelatedEntityType string    `json:"relatedEntityType,omitempty"`
	SenderID          string    `json:"senderId,omitempty"`
	SenderName        string    `json:"senderName,omitempty"`
	Message           string    `json:"message"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
}

// AssignmentSessionService hosts assignment workflows keyed by session id.
type AssignmentSessionService interface {
	Start(ctx context.Context, cmd StartAssignmentCommand) (AssignmentSnapshot, error)
	Get(ctx context.Context, actor Actor, sessionID string) (AssignmentSnapshot, error)
	Assign(ctx context.Context, actor Actor, sessionID string) (AssignmentSnapshot, error)
	Upload(ctx context.Context, cmd UploadAssignmentDocumentCommand) (AssignmentSnapshot, error)
	Skip(ctx context.Context, actor Actor, sessionID string) (AssignmentSnapshot, error)
	Dismiss(ctx context.Context, actor Actor, sessionID string) error
}

// StartAssignmentCommand opens a workflow from a notification in the actor's feed.
type StartAssignmentCommand struct {
	Actor          Actor
	NotificationID string
}

// UploadAssignmentDocumentCommand carries the file selected in the Upload step.
type UploadAssignmentDocumentCommand struct {
	Actor     Actor
	SessionID string
	Document  DocumentUpload
}

// SystemService reports dependency health for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}
