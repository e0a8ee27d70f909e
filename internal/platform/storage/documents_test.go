package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/agri-market/api/internal/platform/auth"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

func TestURLSignerDownload(t *testing.T) {
	signer := &fakeSigner{email: "docs@example.iam.gserviceaccount.com"}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	urls, err := NewURLSigner(signer, 10*time.Minute, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}

	res, err := urls.Download(context.Background(), "po-docs", "buy-requests/br_01/purchase-orders/doc_01/po.pdf", "po.pdf")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", res.ExpiresAt)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in %s", parsed.RawQuery)
	}
	if !strings.Contains(query.Get("response-content-disposition"), "po.pdf") {
		t.Fatalf("expected disposition, got %q", query.Get("response-content-disposition"))
	}
	if len(signer.payloads) != 1 {
		t.Fatalf("expected one signing call, got %d", len(signer.payloads))
	}
}

func TestURLSignerValidation(t *testing.T) {
	if _, err := NewURLSigner(&fakeSigner{}, time.Minute); err == nil {
		t.Fatalf("expected error for signer without email")
	}
	urls, err := NewURLSigner(&fakeSigner{email: "a@b", err: errors.New("kms down")}, 2*time.Hour)
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}
	if urls.ttl != maxDownloadTTL {
		t.Fatalf("expected ttl capped at %s, got %s", maxDownloadTTL, urls.ttl)
	}
	if _, err := urls.Download(context.Background(), "", "obj", ""); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := urls.Download(context.Background(), "bucket", "obj", ""); err == nil {
		t.Fatalf("expected signing error to surface")
	}
}

func TestNewServiceAccountSigner(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	raw, _ := json.Marshal(map[string]string{
		"client_email": "docs@example.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})

	signer, err := NewServiceAccountSigner(raw)
	if err != nil {
		t.Fatalf("NewServiceAccountSigner: %v", err)
	}
	if signer.Email() != "docs@example.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", signer.Email())
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil || len(sig) == 0 {
		t.Fatalf("expected signature, got %v", err)
	}

	if _, err := NewServiceAccountSigner([]byte(`{"client_email":"x"}`)); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestObjectURLEscapesPath(t *testing.T) {
	got := ObjectURL("po-docs", "buy-requests/br 1/po.pdf")
	if got != "https://storage.googleapis.com/po-docs/buy-requests/br%201/po.pdf" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestAuthorizeDocumentAccess(t *testing.T) {
	buyer := &auth.Identity{UID: "buyer-1", Roles: []string{auth.RoleBuyer}}
	seller := &auth.Identity{UID: "seller-1", Roles: []string{auth.RoleSeller}}
	stranger := &auth.Identity{UID: "seller-2", Roles: []string{auth.RoleSeller}}
	operator := &auth.Identity{UID: "ops", Roles: []string{auth.RoleOperator}}

	for _, identity := range []*auth.Identity{buyer, seller, operator} {
		if err := AuthorizeDocumentAccess(identity, "buyer-1", "seller-1"); err != nil {
			t.Fatalf("expected %s to be allowed: %v", identity.UID, err)
		}
	}
	if err := AuthorizeDocumentAccess(stranger, "buyer-1", "seller-1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := AuthorizeDocumentAccess(nil, "buyer-1", ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for anonymous")
	}
}
