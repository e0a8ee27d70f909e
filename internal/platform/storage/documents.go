package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultDownloadTTL = 15 * time.Minute
	maxDownloadTTL     = time.Hour
)

var (
	errNoBucket = errors.New("storage: bucket name is required")
	errNoObject = errors.New("storage: object name is required")
	errNoSigner = errors.New("storage: signer is required")
)

// StoredObject describes an object written by DocumentStore.
type StoredObject struct {
	Bucket      string
	Object      string
	URL         string
	ContentType string
	Size        int64
}

// SignedURL is a time-limited download link.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// DocumentStore writes documents to one Cloud Storage bucket and mints download links for them.
type DocumentStore struct {
	client *gcs.Client
	bucket string
	urls   *URLSigner
}

// NewDocumentStore binds a Cloud Storage client to bucket. urls may be nil when download links
// are not needed.
func NewDocumentStore(client *gcs.Client, bucket string, urls *URLSigner) (*DocumentStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errNoBucket
	}
	return &DocumentStore{client: client, bucket: bucket, urls: urls}, nil
}

// Put uploads data as object, replacing any existing object with the same key.
func (s *DocumentStore) Put(ctx context.Context, object, contentType string, data []byte) (StoredObject, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return StoredObject{}, errNoObject
	}

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	// Small documents go up in a single request instead of a resumable session.
	if len(data) < googleChunkSize {
		w.ChunkSize = 0
	}
	if fileName := object[strings.LastIndex(object, "/")+1:]; fileName != "" {
		w.ContentDisposition = mime.FormatMediaType("attachment", map[string]string{"filename": fileName})
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return StoredObject{}, fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return StoredObject{}, fmt.Errorf("storage: finalise %s: %w", object, err)
	}

	size := int64(len(data))
	if attrs := w.Attrs(); attrs != nil {
		size = attrs.Size
	}
	return StoredObject{
		Bucket:      s.bucket,
		Object:      object,
		URL:         ObjectURL(s.bucket, object),
		ContentType: contentType,
		Size:        size,
	}, nil
}

// SignedDownloadURL mints a GET link for object.
func (s *DocumentStore) SignedDownloadURL(ctx context.Context, object, fileName string) (SignedURL, error) {
	if s.urls == nil {
		return SignedURL{}, errNoSigner
	}
	return s.urls.Download(ctx, s.bucket, object, fileName)
}

// Ping verifies the bucket is reachable with the current credentials.
func (s *DocumentStore) Ping(ctx context.Context) error {
	_, err := s.client.Bucket(s.bucket).Attrs(ctx)
	return err
}

const googleChunkSize = 8 << 20

// ObjectURL is the canonical, credential-gated HTTPS location of an object.
func ObjectURL(bucket, object string) string {
	return "https://storage.googleapis.com/" + bucket + "/" + (&url.URL{Path: object}).EscapedPath()
}

// URLSigner mints V4 signed URLs with a Signer.
type URLSigner struct {
	signer Signer
	ttl    time.Duration
	now    func() time.Time
}

// URLSignerOption customises URLSigner.
type URLSignerOption func(*URLSigner)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) URLSignerOption {
	return func(u *URLSigner) {
		if clock != nil {
			u.now = clock
		}
	}
}

// NewURLSigner constructs a URLSigner. A non-positive ttl uses 15 minutes; ttl is capped at one hour.
func NewURLSigner(signer Signer, ttl time.Duration, opts ...URLSignerOption) (*URLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	if ttl <= 0 {
		ttl = defaultDownloadTTL
	}
	if ttl > maxDownloadTTL {
		ttl = maxDownloadTTL
	}
	u := &URLSigner{signer: signer, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u, nil
}

// Download returns a signed GET URL. fileName, when set, becomes the attachment name.
func (u *URLSigner) Download(ctx context.Context, bucket, object, fileName string) (SignedURL, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURL{}, errNoBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURL{}, errNoObject
	}

	expires := u.now().Add(u.ttl)
	opts := &gcs.SignedURLOptions{
		GoogleAccessID: u.signer.Email(),
		Method:         "GET",
		Expires:        expires,
		Scheme:         gcs.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return u.signer.SignBytes(ctx, payload)
		},
	}
	if name := strings.TrimSpace(fileName); name != "" {
		opts.QueryParameters = url.Values{
			"response-content-disposition": {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
		}
	}

	signed, err := gcs.SignedURL(bucket, object, opts)
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: signed, ExpiresAt: expires}, nil
}
