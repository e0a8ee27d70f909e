package services

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/agri-market/api/internal/domain"
)

const (
	buyerGeneralLabel  = "My Request"
	sellerGeneralLabel = "General Request"
)

// StatusView selects which audience a derived label is rendered for.
type StatusView int

const (
	// BuyerView renders labels for the request owner.
	BuyerView StatusView = iota
	// SellerView renders labels for sellers browsing or fulfilling requests.
	SellerView
)

// DeriveStatus computes the single display status of a buy request for the buyer.
//
// Precedence, first match wins: general request, rejected, completed, accepted with its shipment
// sub-state (awaiting shipping when none is recorded), then the humanized lifecycle status. The
// sub-state is only consulted while the request is accepted.
func DeriveStatus(status BuyRequestStatus, orderState *OrderState, isGeneral bool) DerivedStatus {
	return deriveStatus(status, orderState, isGeneral, BuyerView)
}

// DeriveStatusFor is DeriveStatus with an explicit audience.
func DeriveStatusFor(view StatusView, status BuyRequestStatus, orderState *OrderState, isGeneral bool) DerivedStatus {
	return deriveStatus(status, orderState, isGeneral, view)
}

// DeriveBuyRequestStatus derives the status of a stored request.
func DeriveBuyRequestStatus(request BuyRequest, view StatusView) DerivedStatus {
	return deriveStatus(request.Status, request.OrderState, request.IsGeneral, view)
}

func deriveStatus(status BuyRequestStatus, orderState *OrderState, isGeneral bool, view StatusView) DerivedStatus {
	if isGeneral {
		label := buyerGeneralLabel
		if view == SellerView {
			label = sellerGeneralLabel
		}
		return DerivedStatus{Label: label, Category: domain.StatusCategoryGeneralRequest}
	}

	if status == domain.BuyRequestStatusRejected {
		return DerivedStatus{Label: HumanizeLabel(string(status)), Category: domain.StatusCategoryRejected}
	}

	var subState OrderState
	if status == domain.BuyRequestStatusAccepted {
		subState = domain.OrderStateAwaitingShipping
		if orderState != nil && strings.TrimSpace(string(*orderState)) != "" {
			subState = *orderState
		}
	}

	if status == domain.BuyRequestStatusCompleted || subState == domain.OrderStateCompleted {
		return DerivedStatus{Label: HumanizeLabel(string(domain.StatusCategoryCompleted)), Category: domain.StatusCategoryCompleted}
	}
	if subState != "" {
		return DerivedStatus{Label: HumanizeLabel(string(subState)), Category: StatusCategory(subState)}
	}
	return DerivedStatus{Label: HumanizeLabel(string(status)), Category: StatusCategory(status)}
}

// HumanizeLabel turns an enum value such as "in_transit" into "In Transit".
func HumanizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(value))
	// Casers keep state, so each call gets its own.
	return cases.Title(language.English).String(strings.ToLower(strings.Join(words, " ")))
}
