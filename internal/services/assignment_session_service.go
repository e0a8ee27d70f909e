package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	assignmentSessionPrefix   = "asg_"
	defaultSessionIdleTimeout = 30 * time.Minute
	candidatePageSize         = maxListPageSize
	maxCandidatePages         = 50
)

// AssignmentSessionServiceDeps bundles collaborators required to host assignment workflows.
type AssignmentSessionServiceDeps struct {
	Gateway       BuyRequestGateway
	Resolver      NotificationResolver
	Notifications NotificationService
	CloseAfter    time.Duration
	IdleTimeout   time.Duration
	AfterFunc     func(d time.Duration, f func()) Timer
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type assignmentSession struct {
	controller *AssignmentController
	lastSeen   time.Time
}

type assignmentSessionService struct {
	gateway       BuyRequestGateway
	resolver      NotificationResolver
	notifications NotificationService
	closeAfter    time.Duration
	idleTimeout   time.Duration
	afterFunc     func(time.Duration, func()) Timer
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)

	mu       sync.Mutex
	sessions map[string]*assignmentSession
}

var _ AssignmentSessionService = (*assignmentSessionService)(nil)

// NewAssignmentSessionService constructs an in-memory host for assignment workflows. Sessions are
// evicted when they close or sit idle longer than IdleTimeout.
func NewAssignmentSessionService(deps AssignmentSessionServiceDeps) (AssignmentSessionService, error) {
	if deps.Gateway == nil {
		return nil, errors.New("assignment session service: gateway is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("assignment session service: resolver is required")
	}
	if deps.Notifications == nil {
		return nil, errors.New("assignment session service: notification service is required")
	}
	idle := deps.IdleTimeout
	if idle <= 0 {
		idle = defaultSessionIdleTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &assignmentSessionService{
		gateway:       deps.Gateway,
		resolver:      deps.Resolver,
		notifications: deps.Notifications,
		closeAfter:    deps.CloseAfter,
		idleTimeout:   idle,
		afterFunc:     deps.AfterFunc,
		clock:         clock,
		newID:         idGen,
		logger:        logger,
		sessions:      make(map[string]*assignmentSession),
	}, nil
}

// Start opens a workflow for a notification in the actor's feed and resolves its buy request.
// A resolution failure still creates the session; the snapshot carries the inline error.
func (s *assignmentSessionService) Start(ctx context.Context, cmd StartAssignmentCommand) (AssignmentSnapshot, error) {
	actorID, err := requireActor(cmd.Actor)
	if err != nil {
		return AssignmentSnapshot{}, err
	}
	notification, err := s.notifications.GetNotification(ctx, actorID, cmd.NotificationID)
	if err != nil {
		return AssignmentSnapshot{}, err
	}
	if strings.TrimSpace(notification.SenderID) == "" {
		return AssignmentSnapshot{}, fmt.Errorf("%w: notification %s has no sender to assign", ErrNotificationInvalidInput, notification.ID)
	}

	s.evictIdle()

	sessionID := assignmentSessionPrefix + s.newID()
	actor := cmd.Actor
	controller, err := NewAssignmentController(AssignmentControllerDeps{
		SessionID:    sessionID,
		Actor:        actor,
		Notification: notification,
		Gateway:      s.gateway,
		Resolver:     s.resolver,
		Candidates: func(ctx context.Context) ([]BuyRequest, error) {
			return s.loadCandidates(ctx, actor, notification.ID)
		},
		CloseAfter: s.closeAfter,
		AfterFunc:  s.afterFunc,
		OnClose:    s.evict,
		Clock:      s.clock,
		Logger:     s.logger,
	})
	if err != nil {
		return AssignmentSnapshot{}, err
	}

	s.mu.Lock()
	s.sessions[sessionID] = &assignmentSession{controller: controller, lastSeen: s.clock()}
	s.mu.Unlock()

	s.logger(ctx, "assignment.started", map[string]any{
		"sessionId":      sessionID,
		"notificationId": notification.ID,
	})

	// Failures recorded on the snapshot stay inline so the caller can retry from Confirm.
	snapshot, err := controller.Prepare(ctx)
	if err != nil && snapshot.Error == nil {
		s.evict(sessionID)
		return AssignmentSnapshot{}, err
	}
	return snapshot, nil
}

func (s *assignmentSessionService) Get(_ context.Context, actor Actor, sessionID string) (AssignmentSnapshot, error) {
	controller, err := s.lookup(actor, sessionID)
	if err != nil {
		return AssignmentSnapshot{}, err
	}
	return controller.Snapshot(), nil
}

func (s *assignmentSessionService) Assign(ctx context.Context, actor Actor, sessionID string) (AssignmentSnapshot, error) {
	controller, err := s.lookup(actor, sessionID)
	if err != nil {
		return AssignmentSnapshot{}, err
	}
	return controller.Assign(ctx)
}

func (s *assignmentSessionService) Upload(ctx context.Context, cmd UploadAssignmentDocumentCommand) (AssignmentSnapshot, error) {
	controller, err := s.lookup(cmd.Actor, cmd.SessionID)
	if err != nil {
		return AssignmentSnapshot{}, err
	}
	return controller.Upload(ctx, cmd.Document)
}

func (s *assignmentSessionService) Skip(ctx context.Context, actor Actor, sessionID string) (AssignmentSnapshot, error) {
	controller, err := s.lookup(actor, sessionID)
	if err != nil {
		return AssignmentSnapshot{}, err
	}
	return controller.Skip(ctx)
}

func (s *assignmentSessionService) Dismiss(ctx context.Context, actor Actor, sessionID string) error {
	controller, err := s.lookup(actor, sessionID)
	if err != nil {
		return err
	}
	controller.Dismiss(ctx)
	// A workflow closed before Dismiss does not call back, so evict explicitly.
	s.evict(sessionID)
	return nil
}

func (s *assignmentSessionService) lookup(actor Actor, sessionID string) (*AssignmentController, error) {
	actorID, err := requireActor(actor)
	if err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.controller.Owner() != actorID {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, sessionID)
	}
	now := s.clock()
	if now.Sub(session.lastSeen) > s.idleTimeout {
		delete(s.sessions, sessionID)
		return nil, fmt.Errorf("%w: %s expired", ErrAssignmentNotFound, sessionID)
	}
	session.lastSeen = now
	return session.controller, nil
}

func (s *assignmentSessionService) evict(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *assignmentSessionService) evictIdle() {
	now := s.clock()
	var stale []*AssignmentController
	s.mu.Lock()
	for id, session := range s.sessions {
		if now.Sub(session.lastSeen) > s.idleTimeout {
			stale = append(stale, session.controller)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, controller := range stale {
		controller.Dismiss(context.Background())
	}
}

// loadCandidates pages through every live request of the actor; the resolver decides which ones
// match. A pool cut short by the page cap is reported as ambiguous rather than guessed from.
func (s *assignmentSessionService) loadCandidates(ctx context.Context, actor Actor, notificationID string) ([]BuyRequest, error) {
	var (
		out   []BuyRequest
		token string
	)
	for page := 0; page < maxCandidatePages; page++ {
		result, err := s.gateway.ListMyRequests(ctx, BuyRequestListFilter{
			Actor:      actor,
			Pagination: Pagination{PageSize: candidatePageSize, PageToken: token},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, result.Items...)
		if result.NextPageToken == "" {
			return out, nil
		}
		token = result.NextPageToken
	}
	s.logger(ctx, "assignment.candidates_truncated", map[string]any{
		"notificationId": notificationID,
		"loaded":         len(out),
	})
	return nil, &ResolutionError{Kind: ErrResolutionAmbiguous, NotificationID: notificationID, Candidates: len(out)}
}
