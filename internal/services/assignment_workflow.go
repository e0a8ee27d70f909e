package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// AssignmentStep is the position of an assignment workflow.
type AssignmentStep string

const (
	// AssignmentStepConfirm asks the buyer to commit the resolved request to the sender.
	AssignmentStepConfirm AssignmentStep = "confirm"
	// AssignmentStepUpload offers an optional purchase-order upload.
	AssignmentStepUpload AssignmentStep = "upload"
	// AssignmentStepSuccess is shown briefly before the workflow closes itself.
	AssignmentStepSuccess AssignmentStep = "success"
	// AssignmentStepClosed is reached after dismissal or auto-close.
	AssignmentStepClosed AssignmentStep = "closed"
)

// DefaultSuccessCloseAfter is how long Success stays visible before auto-closing.
const DefaultSuccessCloseAfter = 2 * time.Second

// AssignmentIssue is an inline error recorded on the workflow instead of being escalated.
type AssignmentIssue struct {
	Kind    string
	Message string
}

// AssignmentSnapshot is a consistent copy of a workflow's state.
type AssignmentSnapshot struct {
	SessionID    string
	Step         AssignmentStep
	Notification Notification
	Request      *BuyRequest
	Seller       Counterparty
	InFlight     bool
	Error        *AssignmentIssue
	Document     *PurchaseOrderDocument
	Skipped      bool
	UpdatedAt    time.Time
}

// Timer is the subset of *time.Timer used for auto-close.
type Timer interface {
	Stop() bool
}

// CandidateLoader returns the buy requests the resolver may pick from.
type CandidateLoader func(ctx context.Context) ([]BuyRequest, error)

// AssignmentControllerDeps bundles collaborators for one workflow instance.
type AssignmentControllerDeps struct {
	SessionID    string
	Actor        Actor
	Notification Notification
	Gateway      BuyRequestGateway
	Resolver     NotificationResolver
	Candidates   CandidateLoader
	CloseAfter   time.Duration
	AfterFunc    func(d time.Duration, f func()) Timer
	OnClose      func(sessionID string)
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// AssignmentController drives one Confirm → Upload → Success workflow. It is safe for
// concurrent use; at most one gateway mutation runs at a time.
type AssignmentController struct {
	mu sync.Mutex

	sessionID    string
	actor        Actor
	notification Notification
	seller       Counterparty
	gateway      BuyRequestGateway
	resolver     NotificationResolver
	candidates   CandidateLoader
	closeAfter   time.Duration
	afterFunc    func(time.Duration, func()) Timer
	onClose      func(string)
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)

	step      AssignmentStep
	request   *BuyRequest
	inFlight  bool
	issue     *AssignmentIssue
	document  *PurchaseOrderDocument
	skipped   bool
	timer     Timer
	updatedAt time.Time
}

// NewAssignmentController builds a controller in the Confirm step. Call Prepare to resolve the
// notification before showing it.
func NewAssignmentController(deps AssignmentControllerDeps) (*AssignmentController, error) {
	if deps.Gateway == nil {
		return nil, errors.New("assignment controller: gateway is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("assignment controller: resolver is required")
	}
	if deps.Actor == nil || strings.TrimSpace(deps.Actor.UID) == "" {
		return nil, errors.New("assignment controller: actor is required")
	}
	seller := Counterparty{
		ID:   strings.TrimSpace(deps.Notification.SenderID),
		Name: strings.TrimSpace(deps.Notification.SenderName),
	}
	if seller.ID == "" {
		return nil, errors.New("assignment controller: notification has no sender")
	}

	closeAfter := deps.CloseAfter
	if closeAfter <= 0 {
		closeAfter = DefaultSuccessCloseAfter
	}
	afterFunc := deps.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	candidates := deps.Candidates
	if candidates == nil {
		candidates = func(context.Context) ([]BuyRequest, error) { return nil, nil }
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &AssignmentController{
		sessionID:    deps.SessionID,
		actor:        deps.Actor,
		notification: deps.Notification,
		seller:       seller,
		gateway:      deps.Gateway,
		resolver:     deps.Resolver,
		candidates:   candidates,
		closeAfter:   closeAfter,
		afterFunc:    afterFunc,
		onClose:      deps.OnClose,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		step:      AssignmentStepConfirm,
		updatedAt: clock().UTC(),
	}, nil
}

// Prepare resolves the notification's buy request. The workflow stays in Confirm either way;
// resolution failures are recorded inline and returned.
func (c *AssignmentController) Prepare(ctx context.Context) (AssignmentSnapshot, error) {
	c.mu.Lock()
	if c.step != AssignmentStepConfirm {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	if c.request != nil {
		defer c.mu.Unlock()
		return c.snapshotLocked(), nil
	}
	if c.inFlight {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrAssignmentBusy
	}
	c.inFlight = true
	c.mu.Unlock()

	request, err := c.resolve(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if c.step != AssignmentStepConfirm {
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	if err != nil {
		c.recordLocked(err)
		return c.snapshotLocked(), err
	}
	c.request = &request
	c.issue = nil
	c.touchLocked()
	return c.snapshotLocked(), nil
}

// Assign commits the resolved request to the notification sender and advances to Upload. When
// the request is unresolved it resolves first and stays in Confirm. Assigning a request already
// held by the sender advances without a gateway call.
func (c *AssignmentController) Assign(ctx context.Context) (AssignmentSnapshot, error) {
	c.mu.Lock()
	if c.inFlight {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrAssignmentBusy
	}
	if c.step != AssignmentStepConfirm {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	if c.request == nil {
		c.mu.Unlock()
		return c.Prepare(ctx)
	}
	if c.request.IsAssignedTo(c.seller.ID) {
		defer c.mu.Unlock()
		c.issue = nil
		c.advanceLocked(ctx, AssignmentStepUpload)
		return c.snapshotLocked(), nil
	}
	requestID := c.request.ID
	c.inFlight = true
	c.issue = nil
	c.mu.Unlock()

	updated, err := c.gateway.AssignSeller(ctx, AssignSellerCommand{
		Actor:     c.actor,
		RequestID: requestID,
		Seller:    c.seller,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if c.step != AssignmentStepConfirm {
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	if err != nil {
		c.recordLocked(err)
		return c.snapshotLocked(), err
	}
	c.request = &updated
	c.advanceLocked(ctx, AssignmentStepUpload)
	return c.snapshotLocked(), nil
}

// Upload validates, encodes and attaches the document, then advances to Success. Invalid files
// and gateway failures keep the workflow in Upload.
func (c *AssignmentController) Upload(ctx context.Context, upload DocumentUpload) (AssignmentSnapshot, error) {
	c.mu.Lock()
	if c.inFlight {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrAssignmentBusy
	}
	if c.step != AssignmentStepUpload || c.request == nil {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	encoded, err := EncodeDocument(upload)
	if err != nil {
		defer c.mu.Unlock()
		c.recordLocked(err)
		return c.snapshotLocked(), err
	}
	requestID := c.request.ID
	c.inFlight = true
	c.issue = nil
	c.mu.Unlock()

	updated, err := c.gateway.AttachDocument(ctx, AttachDocumentCommand{
		Actor:     c.actor,
		RequestID: requestID,
		Document:  encoded,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if c.step != AssignmentStepUpload {
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	if err != nil {
		c.recordLocked(err)
		return c.snapshotLocked(), err
	}
	c.request = &updated
	c.document = updated.PurchaseOrderDoc
	c.advanceLocked(ctx, AssignmentStepSuccess)
	return c.snapshotLocked(), nil
}

// Skip advances from Upload to Success without attaching anything.
func (c *AssignmentController) Skip(ctx context.Context) (AssignmentSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return c.snapshotLocked(), ErrAssignmentBusy
	}
	if c.step != AssignmentStepUpload {
		return c.snapshotLocked(), ErrAssignmentInvalidStep
	}
	c.skipped = true
	c.issue = nil
	c.advanceLocked(ctx, AssignmentStepSuccess)
	return c.snapshotLocked(), nil
}

// Dismiss closes the workflow from any step. Local state is discarded; committed mutations stay.
func (c *AssignmentController) Dismiss(ctx context.Context) AssignmentSnapshot {
	c.mu.Lock()
	snapshot, closed := c.closeLocked(ctx, "dismissed")
	c.mu.Unlock()
	if closed && c.onClose != nil {
		c.onClose(c.sessionID)
	}
	return snapshot
}

// Snapshot returns the current state.
func (c *AssignmentController) Snapshot() AssignmentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Owner reports the account the workflow belongs to.
func (c *AssignmentController) Owner() string {
	return c.actor.UID
}

func (c *AssignmentController) resolve(ctx context.Context) (BuyRequest, error) {
	candidates, err := c.candidates(ctx)
	if err != nil {
		return BuyRequest{}, err
	}
	return c.resolver.Resolve(ctx, c.actor, c.notification, candidates)
}

func (c *AssignmentController) autoClose() {
	c.mu.Lock()
	if c.step != AssignmentStepSuccess {
		c.mu.Unlock()
		return
	}
	_, closed := c.closeLocked(context.Background(), "auto_closed")
	c.mu.Unlock()
	if closed && c.onClose != nil {
		c.onClose(c.sessionID)
	}
}

func (c *AssignmentController) closeLocked(ctx context.Context, reason string) (AssignmentSnapshot, bool) {
	if c.step == AssignmentStepClosed {
		return c.snapshotLocked(), false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	from := c.step
	c.step = AssignmentStepClosed
	c.issue = nil
	c.touchLocked()
	c.logger(ctx, "assignment.step_changed", map[string]any{
		"sessionId": c.sessionID,
		"from":      string(from),
		"to":        string(AssignmentStepClosed),
		"reason":    reason,
	})
	return c.snapshotLocked(), true
}

func (c *AssignmentController) advanceLocked(ctx context.Context, next AssignmentStep) {
	from := c.step
	c.step = next
	c.touchLocked()
	fields := map[string]any{
		"sessionId": c.sessionID,
		"from":      string(from),
		"to":        string(next),
	}
	if c.request != nil {
		fields["buyRequestId"] = c.request.ID
	}
	c.logger(ctx, "assignment.step_changed", fields)
	if next == AssignmentStepSuccess {
		c.timer = c.afterFunc(c.closeAfter, c.autoClose)
	}
}

func (c *AssignmentController) recordLocked(err error) {
	c.issue = &AssignmentIssue{Kind: assignmentIssueKind(err), Message: err.Error()}
	c.touchLocked()
}

func (c *AssignmentController) touchLocked() {
	c.updatedAt = c.clock()
}

func (c *AssignmentController) snapshotLocked() AssignmentSnapshot {
	snapshot := AssignmentSnapshot{
		SessionID:    c.sessionID,
		Step:         c.step,
		Notification: c.notification,
		Seller:       c.seller,
		InFlight:     c.inFlight,
		Skipped:      c.skipped,
		UpdatedAt:    c.updatedAt,
	}
	if c.request != nil {
		request := *c.request
		snapshot.Request = &request
	}
	if c.issue != nil {
		issue := *c.issue
		snapshot.Error = &issue
	}
	if c.document != nil {
		document := *c.document
		snapshot.Document = &document
	}
	return snapshot
}

func assignmentIssueKind(err error) string {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.Is(err, ErrResolutionAmbiguous):
		return "ambiguous"
	case errors.Is(err, ErrResolutionNotFound):
		return "not_found"
	case errors.Is(err, ErrBuyRequestConflict):
		return "conflict"
	case errors.Is(err, ErrBuyRequestNotFound):
		return "not_found"
	case errors.Is(err, ErrBuyRequestForbidden):
		return "forbidden"
	case errors.Is(err, ErrBuyRequestInvalidInput):
		return "validation"
	default:
		return "network"
	}
}
