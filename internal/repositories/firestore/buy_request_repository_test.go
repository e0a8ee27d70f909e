package firestore

import (
	"testing"
	"time"

	domain "github.com/agri-market/api/internal/domain"
)

func TestBuyRequestDocumentRoundTripKeepsOptionalFields(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*3600))
	uploaded := created.Add(2 * time.Hour)
	state := domain.OrderStateInTransit

	request := domain.BuyRequest{
		ID:            "br_01",
		RequestNumber: 42,
		Status:        domain.BuyRequestStatusAccepted,
		OrderState:    &state,
		Seller:        &domain.Counterparty{ID: "seller-1", Name: "Green Farm"},
		Buyer:         domain.Counterparty{ID: "buyer-1", Name: "Mill Co"},
		PurchaseOrderDoc: &domain.PurchaseOrderDocument{
			ID:         "doc-1",
			URL:        "gs://docs/po.pdf",
			ObjectPath: "buy-requests/br_01/po.pdf",
			FileName:   "po.pdf",
			MimeType:   "application/pdf",
			Size:       1024,
			UploadedAt: uploaded,
		},
		CropType:   "maize",
		Quantity:   domain.Quantity{Value: 12.5, Unit: "t"},
		PriceOffer: domain.Money{Amount: 150000, Currency: "KES"},
		CreatedAt:  created,
		UpdatedAt:  uploaded,
	}

	doc := encodeBuyRequestDocument(request)
	if doc.OrderState == nil || *doc.OrderState != "in_transit" {
		t.Fatalf("expected order state to be encoded, got %+v", doc.OrderState)
	}
	if doc.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected timestamps normalised to UTC")
	}

	decoded := decodeBuyRequestDocument("br_01", doc, time.Time{}, time.Time{})
	if decoded.Seller == nil || decoded.Seller.ID != "seller-1" {
		t.Fatalf("expected seller to survive, got %+v", decoded.Seller)
	}
	if decoded.OrderState == nil || *decoded.OrderState != domain.OrderStateInTransit {
		t.Fatalf("expected order state to survive, got %+v", decoded.OrderState)
	}
	if decoded.PurchaseOrderDoc == nil || decoded.PurchaseOrderDoc.URL != "gs://docs/po.pdf" {
		t.Fatalf("expected document to survive, got %+v", decoded.PurchaseOrderDoc)
	}
	if !decoded.CreatedAt.Equal(created) {
		t.Fatalf("expected created at %s, got %s", created, decoded.CreatedAt)
	}
}

func TestDecodeBuyRequestDocumentTreatsEmptyValuesAsAbsent(t *testing.T) {
	empty := "  "
	doc := buyRequestDocument{
		Status:           "pending",
		IsGeneral:        true,
		OrderState:       &empty,
		Seller:           &counterpartyDocument{},
		PurchaseOrderDoc: &purchaseOrderDocument{FileName: "orphan.pdf"},
	}
	createTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	decoded := decodeBuyRequestDocument("br_02", doc, createTime, createTime)
	if decoded.OrderState != nil {
		t.Fatalf("expected blank order state to be absent")
	}
	if decoded.Seller != nil {
		t.Fatalf("expected blank seller to be absent")
	}
	if decoded.PurchaseOrderDoc != nil {
		t.Fatalf("expected document without url to be absent")
	}
	if !decoded.CreatedAt.Equal(createTime) {
		t.Fatalf("expected snapshot create time fallback, got %s", decoded.CreatedAt)
	}
}

func TestNormaliseStatusesDeduplicates(t *testing.T) {
	got := normaliseStatuses([]domain.BuyRequestStatus{"Pending", "pending", " accepted ", ""})
	if len(got) != 2 || got[0] != "pending" || got[1] != "accepted" {
		t.Fatalf("unexpected statuses: %v", got)
	}
	if normaliseStatuses(nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestNotificationDocumentRoundTrip(t *testing.T) {
	readAt := time.Date(2024, 5, 5, 10, 0, 0, 0, time.UTC)
	n := domain.Notification{
		ID:              "ntf_1",
		Type:            domain.NotificationTypeBuyRequest,
		RecipientID:     "seller-1",
		RelatedEntityID: "br_01",
		Message:         "You have a new request",
		IsRead:          true,
		CreatedAt:       readAt.Add(-time.Hour),
		ReadAt:          &readAt,
	}
	decoded := decodeNotificationDocument(n.ID, encodeNotificationDocument(n), time.Time{})
	if decoded.RecipientID != "seller-1" || !decoded.IsRead {
		t.Fatalf("unexpected notification %+v", decoded)
	}
	if decoded.ReadAt == nil || !decoded.ReadAt.Equal(readAt) {
		t.Fatalf("expected read at to survive, got %v", decoded.ReadAt)
	}
}
