package storage

import (
	"errors"

	"github.com/agri-market/api/internal/platform/auth"
)

// ErrPermissionDenied is returned when the caller may not read a document.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDocumentAccess allows the buyer, the assigned seller and operators to read a
// buy request's documents.
func AuthorizeDocumentAccess(identity *auth.Identity, buyerID, sellerID string) error {
	if identity == nil || identity.UID == "" {
		return ErrPermissionDenied
	}
	if identity.UID == buyerID || (sellerID != "" && identity.UID == sellerID) {
		return nil
	}
	if identity.HasRole(auth.RoleOperator) {
		return nil
	}
	return ErrPermissionDenied
}
