package storage

import (
	"fmt"
	"path"
	"strings"
)

// ObjectKind captures what an object is so its key can be derived consistently.
type ObjectKind string

const (
	// KindPurchaseOrder is a purchase-order document attached to a buy request.
	KindPurchaseOrder ObjectKind = "purchase-order"
)

// PathParams provide the identifiers used to compose object keys.
type PathParams struct {
	BuyRequestID string
	DocumentID   string
	FileName     string
}

// BuildObjectPath returns the object key for kind.
func BuildObjectPath(kind ObjectKind, params PathParams) (string, error) {
	switch kind {
	case KindPurchaseOrder:
		requestID, err := validateSegment("buyRequestID", params.BuyRequestID)
		if err != nil {
			return "", err
		}
		documentID, err := validateSegment("documentID", params.DocumentID)
		if err != nil {
			return "", err
		}
		fileName, err := validateSegment("fileName", path.Base(strings.ReplaceAll(strings.TrimSpace(params.FileName), "\\", "/")))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("buy-requests/%s/purchase-orders/%s/%s", requestID, documentID, fileName), nil
	default:
		return "", fmt.Errorf("storage: unsupported object kind %q", kind)
	}
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "" || value == "." || value == "/":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
