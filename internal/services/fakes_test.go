package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/platform/auth"
	pstorage "github.com/agri-market/api/internal/platform/storage"
	"github.com/agri-market/api/internal/repositories"
)

type stubRepoError struct {
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string { return e.err.Error() }
func (e *stubRepoError) IsNotFound() bool { return e.notFound }
func (e *stubRepoError) IsConflict() bool { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

// memoryBuyRequestRepo applies mutations to an in-memory map the way the Firestore transaction does.
type memoryBuyRequestRepo struct {
	mu       sync.Mutex
	items    map[string]domain.BuyRequest
	writes   int
	mutateFn func(context.Context, string) error
	listFn   func(context.Context, repositories.BuyRequestListFilter) (domain.CursorPage[domain.BuyRequest], error)
}

func newMemoryBuyRequestRepo(requests ...domain.BuyRequest) *memoryBuyRequestRepo {
	repo := &memoryBuyRequestRepo{items: make(map[string]domain.BuyRequest)}
	for _, request := range requests {
		repo.items[request.ID] = request
	}
	return repo
}

func (r *memoryBuyRequestRepo) FindByID(_ context.Context, id string) (domain.BuyRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.items[id]
	if !ok || request.Deleted {
		return domain.BuyRequest{}, &stubRepoError{err: fmt.Errorf("%s missing", id), notFound: true}
	}
	return request, nil
}

func (r *memoryBuyRequestRepo) ListByBuyer(ctx context.Context, filter repositories.BuyRequestListFilter) (domain.CursorPage[domain.BuyRequest], error) {
	if r.listFn != nil {
		return r.listFn(ctx, filter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.BuyRequest
	for _, request := range r.items {
		if request.Buyer.ID != filter.BuyerID || request.Deleted {
			continue
		}
		if filter.OnlyGeneral && !request.IsGeneral {
			continue
		}
		if !statusIn(request.Status, filter.Statuses) {
			continue
		}
		items = append(items, request)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return domain.CursorPage[domain.BuyRequest]{Items: items}, nil
}

func statusIn(status domain.BuyRequestStatus, statuses []domain.BuyRequestStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func (r *memoryBuyRequestRepo) Mutate(ctx context.Context, id string, fn repositories.BuyRequestMutation) (domain.BuyRequest, error) {
	if r.mutateFn != nil {
		if err := r.mutateFn(ctx, id); err != nil {
			return domain.BuyRequest{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.items[id]
	if !ok || current.Deleted {
		return domain.BuyRequest{}, &stubRepoError{err: fmt.Errorf("%s missing", id), notFound: true}
	}
	write, err := fn(&current)
	if err != nil {
		return domain.BuyRequest{}, err
	}
	if write {
		r.writes++
		r.items[id] = current
	}
	return current, nil
}

func (r *memoryBuyRequestRepo) get(id string) domain.BuyRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

type stubDocumentStore struct {
	putFn    func(context.Context, string, string, []byte) (pstorage.StoredObject, error)
	signFn   func(context.Context, string, string) (pstorage.SignedURL, error)
	objects  []string
	lastType string
}

func (s *stubDocumentStore) Put(ctx context.Context, object, contentType string, data []byte) (pstorage.StoredObject, error) {
	s.objects = append(s.objects, object)
	s.lastType = contentType
	if s.putFn != nil {
		return s.putFn(ctx, object, contentType, data)
	}
	return pstorage.StoredObject{
		Bucket:      "docs",
		Object:      object,
		URL:         pstorage.ObjectURL("docs", object),
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

func (s *stubDocumentStore) SignedDownloadURL(ctx context.Context, object, fileName string) (pstorage.SignedURL, error) {
	if s.signFn != nil {
		return s.signFn(ctx, object, fileName)
	}
	return pstorage.SignedURL{URL: "https://signed.example/" + object, ExpiresAt: time.Date(2025, 1, 1, 0, 15, 0, 0, time.UTC)}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []BuyRequestEvent
	err    error
}

func (p *recordingPublisher) PublishBuyRequestEvent(_ context.Context, event BuyRequestEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type memoryNotificationRepo struct {
	mu    sync.Mutex
	items map[string]domain.Notification
	reads int
}

func newMemoryNotificationRepo(notifications ...domain.Notification) *memoryNotificationRepo {
	repo := &memoryNotificationRepo{items: make(map[string]domain.Notification)}
	for _, n := range notifications {
		repo.items[n.ID] = n
	}
	return repo
}

func (r *memoryNotificationRepo) Insert(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[n.ID]; ok {
		return &stubRepoError{err: errors.New("exists"), conflict: true}
	}
	r.items[n.ID] = n
	return nil
}

func (r *memoryNotificationRepo) FindByID(_ context.Context, id string) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return domain.Notification{}, &stubRepoError{err: errors.New("missing"), notFound: true}
	}
	return n, nil
}

func (r *memoryNotificationRepo) ListByRecipient(_ context.Context, filter repositories.NotificationListFilter) (domain.CursorPage[domain.Notification], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.Notification
	for _, n := range r.items {
		if n.RecipientID == filter.RecipientID && (!filter.UnreadOnly || !n.IsRead) {
			items = append(items, n)
		}
	}
	return domain.CursorPage[domain.Notification]{Items: items}, nil
}

func (r *memoryNotificationRepo) MarkRead(_ context.Context, id string, readAt time.Time) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return domain.Notification{}, &stubRepoError{err: errors.New("missing"), notFound: true}
	}
	r.reads++
	n.IsRead = true
	n.ReadAt = &readAt
	r.items[id] = n
	return n, nil
}

var fixedNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

func buyerIdentity(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleBuyer}}
}

func sellerIdentity(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleSeller}}
}

func generalRequest(id, buyerID string) domain.BuyRequest {
	return domain.BuyRequest{
		ID:        id,
		Status:    domain.BuyRequestStatusPending,
		IsGeneral: true,
		Buyer:     domain.Counterparty{ID: buyerID, Name: "Mill Co"},
		CropType:  "maize",
		Quantity:  domain.Quantity{Value: 10, Unit: "t"},
		CreatedAt: fixedNow.Add(-time.Hour),
		UpdatedAt: fixedNow.Add(-time.Hour),
	}
}

func assignedRequest(id, buyerID, sellerID string, status domain.BuyRequestStatus) domain.BuyRequest {
	request := generalRequest(id, buyerID)
	request.IsGeneral = false
	request.Status = status
	request.Seller = &domain.Counterparty{ID: sellerID, Name: "Green Farm"}
	return request
}
