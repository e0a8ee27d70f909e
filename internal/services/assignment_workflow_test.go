package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/agri-market/api/internal/domain"
)

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasActive := !f.stopped
	f.stopped = true
	return wasActive
}

func (f *fakeTimer) fire() {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if !stopped {
		f.fn()
	}
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, timer)
	return timer
}

func (f *fakeTimers) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return nil
	}
	return f.timers[len(f.timers)-1]
}

type stubGateway struct {
	BuyRequestGateway
	mu         sync.Mutex
	assignFn   func(context.Context, AssignSellerCommand) (BuyRequest, error)
	attachFn   func(context.Context, AttachDocumentCommand) (BuyRequest, error)
	listFn     func(context.Context, BuyRequestListFilter) (domain.CursorPage[BuyRequest], error)
	assignHits int
	attachHits int
}

func (s *stubGateway) AssignSeller(ctx context.Context, cmd AssignSellerCommand) (BuyRequest, error) {
	s.mu.Lock()
	s.assignHits++
	s.mu.Unlock()
	return s.assignFn(ctx, cmd)
}

func (s *stubGateway) AttachDocument(ctx context.Context, cmd AttachDocumentCommand) (BuyRequest, error) {
	s.mu.Lock()
	s.attachHits++
	s.mu.Unlock()
	return s.attachFn(ctx, cmd)
}

func (s *stubGateway) ListMyRequests(ctx context.Context, filter BuyRequestListFilter) (domain.CursorPage[BuyRequest], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[BuyRequest]{}, nil
}

type stubResolver struct {
	resolveFn func(context.Context, Actor, Notification, []BuyRequest) (BuyRequest, error)
	calls     int
}

func (s *stubResolver) Resolve(ctx context.Context, actor Actor, n Notification, mine []BuyRequest) (BuyRequest, error) {
	s.calls++
	return s.resolveFn(ctx, actor, n, mine)
}

func assignedCopy(request BuyRequest, sellerID string) BuyRequest {
	request.IsGeneral = false
	request.Seller = &Counterparty{ID: sellerID}
	return request
}

func newTestController(t *testing.T, gateway *stubGateway, resolver *stubResolver, timers *fakeTimers, onClose func(string)) *AssignmentController {
	t.Helper()
	controller, err := NewAssignmentController(AssignmentControllerDeps{
		SessionID:    "asg_1",
		Actor:        buyerIdentity("buyer-1"),
		Notification: Notification{ID: "n1", SenderID: "seller-1", SenderName: "Green Farm"},
		Gateway:      gateway,
		Resolver:     resolver,
		AfterFunc:    timers.afterFunc,
		OnClose:      onClose,
		Clock:        fixedClock,
	})
	if err != nil {
		t.Fatalf("NewAssignmentController: %v", err)
	}
	return controller
}

func resolvedTo(request BuyRequest) *stubResolver {
	return &stubResolver{resolveFn: func(context.Context, Actor, Notification, []BuyRequest) (BuyRequest, error) {
		return request, nil
	}}
}

func TestAssignmentControllerLinearFlow(t *testing.T) {
	request := generalRequest("br_1", "buyer-1")
	gateway := &stubGateway{
		assignFn: func(_ context.Context, cmd AssignSellerCommand) (BuyRequest, error) {
			if cmd.Seller.ID != "seller-1" || cmd.Seller.Name != "Green Farm" {
				t.Fatalf("unexpected seller %+v", cmd.Seller)
			}
			return assignedCopy(request, cmd.Seller.ID), nil
		},
		attachFn: func(_ context.Context, cmd AttachDocumentCommand) (BuyRequest, error) {
			if cmd.Document.MimeType != "application/pdf" || cmd.Document.Content == "" {
				t.Fatalf("unexpected document %+v", cmd.Document)
			}
			updated := assignedCopy(request, "seller-1")
			updated.PurchaseOrderDoc = &PurchaseOrderDocument{ID: "doc_1", FileName: "po.pdf"}
			return updated, nil
		},
	}
	timers := &fakeTimers{}
	var closed []string
	controller := newTestController(t, gateway, resolvedTo(request), timers, func(id string) { closed = append(closed, id) })
	ctx := context.Background()

	snap, err := controller.Prepare(ctx)
	if err != nil || snap.Step != AssignmentStepConfirm || snap.Request == nil {
		t.Fatalf("expected resolved confirm step, got %+v err=%v", snap, err)
	}
	snap, err = controller.Assign(ctx)
	if err != nil || snap.Step != AssignmentStepUpload {
		t.Fatalf("expected upload step, got %s err=%v", snap.Step, err)
	}
	snap, err = controller.Upload(ctx, DocumentUpload{FileName: "po.pdf", MimeType: "application/pdf", Data: []byte("%PDF")})
	if err != nil || snap.Step != AssignmentStepSuccess {
		t.Fatalf("expected success step, got %s err=%v", snap.Step, err)
	}
	if snap.Document == nil || snap.Document.ID != "doc_1" {
		t.Fatalf("expected document on snapshot, got %+v", snap.Document)
	}

	timer := timers.last()
	if timer == nil || timer.d != DefaultSuccessCloseAfter {
		t.Fatalf("expected auto-close timer of %s", DefaultSuccessCloseAfter)
	}
	timer.fire()
	if got := controller.Snapshot().Step; got != AssignmentStepClosed {
		t.Fatalf("expected closed after auto-close, got %s", got)
	}
	if len(closed) != 1 || closed[0] != "asg_1" {
		t.Fatalf("expected close callback, got %v", closed)
	}
}

func TestAssignmentControllerAssignIsIdempotentForSameSeller(t *testing.T) {
	request := assignedCopy(generalRequest("br_1", "buyer-1"), "seller-1")
	gateway := &stubGateway{assignFn: func(context.Context, AssignSellerCommand) (BuyRequest, error) {
		t.Fatalf("gateway must not be called when already assigned")
		return BuyRequest{}, nil
	}}
	controller := newTestController(t, gateway, resolvedTo(request), &fakeTimers{}, nil)

	if _, err := controller.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	snap, err := controller.Assign(context.Background())
	if err != nil || snap.Step != AssignmentStepUpload {
		t.Fatalf("expected upload step, got %s err=%v", snap.Step, err)
	}
	if gateway.assignHits != 0 {
		t.Fatalf("expected no gateway calls, got %d", gateway.assignHits)
	}
}

func TestAssignmentControllerAssignFailureStaysInConfirm(t *testing.T) {
	request := generalRequest("br_1", "buyer-1")
	attempts := 0
	gateway := &stubGateway{assignFn: func(context.Context, AssignSellerCommand) (BuyRequest, error) {
		attempts++
		if attempts == 1 {
			return BuyRequest{}, ErrBuyRequestUnavailable
		}
		return assignedCopy(request, "seller-1"), nil
	}}
	controller := newTestController(t, gateway, resolvedTo(request), &fakeTimers{}, nil)
	ctx := context.Background()
	if _, err := controller.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	snap, err := controller.Assign(ctx)
	if !errors.Is(err, ErrBuyRequestUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if snap.Step != AssignmentStepConfirm || snap.Error == nil || snap.Error.Kind != "network" {
		t.Fatalf("expected inline network error in confirm, got %+v", snap)
	}

	snap, err = controller.Assign(ctx)
	if err != nil || snap.Step != AssignmentStepUpload || snap.Error != nil {
		t.Fatalf("expected retry to succeed, got %+v err=%v", snap, err)
	}
}

func TestAssignmentControllerUnresolvedStaysInConfirm(t *testing.T) {
	request := generalRequest("br_1", "buyer-1")
	resolver := &stubResolver{}
	resolver.resolveFn = func(context.Context, Actor, Notification, []BuyRequest) (BuyRequest, error) {
		if resolver.calls == 1 {
			return BuyRequest{}, &ResolutionError{Kind: ErrResolutionAmbiguous, NotificationID: "n1", Candidates: 2}
		}
		return request, nil
	}
	gateway := &stubGateway{assignFn: func(context.Context, AssignSellerCommand) (BuyRequest, error) {
		return assignedCopy(request, "seller-1"), nil
	}}
	controller := newTestController(t, gateway, resolver, &fakeTimers{}, nil)
	ctx := context.Background()

	snap, err := controller.Prepare(ctx)
	if !errors.Is(err, ErrResolutionAmbiguous) || snap.Error == nil || snap.Error.Kind != "ambiguous" {
		t.Fatalf("expected ambiguous inline error, got %+v err=%v", snap, err)
	}

	snap, err = controller.Assign(ctx)
	if err != nil || snap.Step != AssignmentStepConfirm || snap.Request == nil {
		t.Fatalf("expected assign to resolve first and stay in confirm, got %+v err=%v", snap, err)
	}
	if gateway.assignHits != 0 {
		t.Fatalf("expected no assignment while resolving")
	}

	snap, err = controller.Assign(ctx)
	if err != nil || snap.Step != AssignmentStepUpload {
		t.Fatalf("expected upload after confirming, got %s err=%v", snap.Step, err)
	}
}

func TestAssignmentControllerRejectsConcurrentMutation(t *testing.T) {
	request := generalRequest("br_1", "buyer-1")
	entered := make(chan struct{})
	release := make(chan struct{})
	gateway := &stubGateway{assignFn: func(context.Context, AssignSellerCommand) (BuyRequest, error) {
		close(entered)
		<-release
		return assignedCopy(request, "seller-1"), nil
	}}
	controller := newTestController(t, gateway, resolvedTo(request), &fakeTimers{}, nil)
	ctx := context.Background()
	if _, err := controller.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := controller.Assign(ctx)
		done <- err
	}()
	<-entered

	snap, err := controller.Assign(ctx)
	if !errors.Is(err, ErrAssignmentBusy) || !snap.InFlight {
		t.Fatalf("expected busy while in flight, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if gateway.assignHits != 1 {
		t.Fatalf("expected a single gateway call, got %d", gateway.assignHits)
	}
}

func TestAssignmentControllerUploadValidation(t *testing.T) {
	request := assignedCopy(generalRequest("br_1", "buyer-1"), "seller-1")
	gateway := &stubGateway{attachFn: func(context.Context, AttachDocumentCommand) (BuyRequest, error) {
		t.Fatalf("invalid files must not reach the gateway")
		return BuyRequest{}, nil
	}}
	controller := newTestController(t, gateway, resolvedTo(request), &fakeTimers{}, nil)
	ctx := context.Background()
	if _, err := controller.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := controller.Assign(ctx); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	snap, err := controller.Upload(ctx, DocumentUpload{FileName: "big.pdf", MimeType: "application/pdf", Data: make([]byte, MaxDocumentSize+1)})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if snap.Step != AssignmentStepUpload || snap.Error == nil || snap.Error.Kind != "validation" {
		t.Fatalf("expected inline validation error in upload, got %+v", snap)
	}
}

func TestAssignmentControllerStepGuards(t *testing.T) {
	request := assignedCopy(generalRequest("br_1", "buyer-1"), "seller-1")
	controller := newTestController(t, &stubGateway{}, resolvedTo(request), &fakeTimers{}, nil)
	ctx := context.Background()
	if _, err := controller.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if _, err := controller.Skip(ctx); !errors.Is(err, ErrAssignmentInvalidStep) {
		t.Fatalf("expected skip from confirm to fail, got %v", err)
	}
	if _, err := controller.Upload(ctx, DocumentUpload{FileName: "po.pdf", Data: []byte("x")}); !errors.Is(err, ErrAssignmentInvalidStep) {
		t.Fatalf("expected upload from confirm to fail, got %v", err)
	}
	if _, err := controller.Assign(ctx); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := controller.Assign(ctx); !errors.Is(err, ErrAssignmentInvalidStep) {
		t.Fatalf("expected no backward transition, got %v", err)
	}
	snap, err := controller.Skip(ctx)
	if err != nil || snap.Step != AssignmentStepSuccess || !snap.Skipped {
		t.Fatalf("expected skip to success, got %+v err=%v", snap, err)
	}
	if _, err := controller.Skip(ctx); !errors.Is(err, ErrAssignmentInvalidStep) {
		t.Fatalf("expected success to be terminal, got %v", err)
	}
}

func TestAssignmentControllerDismissStopsTimer(t *testing.T) {
	request := assignedCopy(generalRequest("br_1", "buyer-1"), "seller-1")
	timers := &fakeTimers{}
	closes := 0
	controller := newTestController(t, &stubGateway{}, resolvedTo(request), timers, func(string) { closes++ })
	ctx := context.Background()
	if _, err := controller.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := controller.Assign(ctx); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := controller.Skip(ctx); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	snap := controller.Dismiss(ctx)
	if snap.Step != AssignmentStepClosed {
		t.Fatalf("expected closed, got %s", snap.Step)
	}
	timers.last().fire()
	controller.Dismiss(ctx)
	if closes != 1 {
		t.Fatalf("expected exactly one close callback, got %d", closes)
	}
}
