package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/httpx"
	"github.com/agri-market/api/internal/services"
)

const (
	maxMultipartMemory  = 1 << 20
	maxMultipartRequest = services.MaxDocumentSize + 1<<20
)

type startAssignmentRequest struct {
	NotificationID string `json:"notificationId"`
}

type assignmentIssuePayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type assignmentPayload struct {
	SessionID    string                  `json:"sessionId"`
	Step         string                  `json:"step"`
	Notification notificationPayload     `json:"notification"`
	Request      *buyRequestPayload      `json:"request"`
	Seller       counterpartyPayload     `json:"seller"`
	InFlight     bool                    `json:"inFlight"`
	Error        *assignmentIssuePayload `json:"error"`
	Document     *documentPayload        `json:"document"`
	Skipped      bool                    `json:"skipped"`
	UpdatedAt    string                  `json:"updatedAt"`
}

// AssignmentHandlers exposes assignment workflows started from notifications.
type AssignmentHandlers struct {
	authn    *auth.Authenticator
	sessions services.AssignmentSessionService
}

// NewAssignmentHandlers constructs AssignmentHandlers.
func NewAssignmentHandlers(authn *auth.Authenticator, sessions services.AssignmentSessionService) *AssignmentHandlers {
	return &AssignmentHandlers{authn: authn, sessions: sessions}
}

// Routes registers the /assignments endpoints.
func (h *AssignmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleBuyer, auth.RoleOperator))
	}
	r.Post("/", h.start)
	r.Get("/{sessionID}", h.get)
	r.Delete("/{sessionID}", h.dismiss)
	r.Post("/{sessionID}:assign", h.assign)
	r.Post("/{sessionID}:upload", h.upload)
	r.Post("/{sessionID}:skip", h.skip)
}

func (h *AssignmentHandlers) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var req startAssignmentRequest
	if !decodeBody(w, r, maxBuyRequestBodySize, &req) {
		return
	}
	snapshot, err := h.sessions.Start(ctx, services.StartAssignmentCommand{
		Actor:          identity,
		NotificationID: req.NotificationID,
	})
	writeAssignmentResult(ctx, w, http.StatusCreated, snapshot, err, identity)
}

func (h *AssignmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.prepare(w, r)
	if !ok {
		return
	}
	snapshot, err := h.sessions.Get(ctx, identity, chi.URLParam(r, "sessionID"))
	writeAssignmentResult(ctx, w, http.StatusOK, snapshot, err, identity)
}

func (h *AssignmentHandlers) assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.prepare(w, r)
	if !ok {
		return
	}
	snapshot, err := h.sessions.Assign(ctx, identity, chi.URLParam(r, "sessionID"))
	writeAssignmentResult(ctx, w, http.StatusOK, snapshot, err, identity)
}

func (h *AssignmentHandlers) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.prepare(w, r)
	if !ok {
		return
	}
	upload, ok := readDocumentUpload(w, r)
	if !ok {
		return
	}
	snapshot, err := h.sessions.Upload(ctx, services.UploadAssignmentDocumentCommand{
		Actor:     identity,
		SessionID: chi.URLParam(r, "sessionID"),
		Document:  upload,
	})
	writeAssignmentResult(ctx, w, http.StatusOK, snapshot, err, identity)
}

func (h *AssignmentHandlers) skip(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.prepare(w, r)
	if !ok {
		return
	}
	snapshot, err := h.sessions.Skip(ctx, identity, chi.URLParam(r, "sessionID"))
	writeAssignmentResult(ctx, w, http.StatusOK, snapshot, err, identity)
}

func (h *AssignmentHandlers) dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.prepare(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.Dismiss(ctx, identity, sessionID); err != nil {
		writeAssignmentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "assignment dismissed", map[string]string{"sessionId": sessionID})
}

func (h *AssignmentHandlers) prepare(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("assignment_unavailable", "assignment service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	return requireIdentity(ctx, w)
}

// readDocumentUpload accepts either a multipart "file" field or a JSON body carrying base64
// content. Size and type are validated by the workflow so failures show up inline.
func readDocumentUpload(w http.ResponseWriter, r *http.Request) (services.DocumentUpload, bool) {
	ctx := r.Context()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req attachDocumentRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return services.DocumentUpload{}, false
		}
		upload, err := services.DecodeDocumentContent(services.EncodedDocument{
			FileName: req.FileName,
			MimeType: req.MimeType,
			Content:  req.Content,
		})
		if err != nil {
			writeBuyRequestError(ctx, w, err)
			return services.DocumentUpload{}, false
		}
		return upload, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartRequest)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeBodyError(ctx, w, errBodyTooLarge)
			return services.DocumentUpload{}, false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid multipart body", http.StatusBadRequest))
		return services.DocumentUpload{}, false
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "file field is required", http.StatusBadRequest))
		return services.DocumentUpload{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, services.MaxDocumentSize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read file", http.StatusBadRequest))
		return services.DocumentUpload{}, false
	}
	return services.DocumentUpload{
		FileName: header.Filename,
		MimeType: strings.TrimSpace(header.Header.Get("Content-Type")),
		Data:     data,
	}, true
}

// writeAssignmentResult renders the snapshot. Failures the workflow recorded inline are reported
// in the snapshot's error field with the success status; lookup and step misuse errors escalate.
func writeAssignmentResult(ctx context.Context, w http.ResponseWriter, status int, snapshot services.AssignmentSnapshot, err error, identity *auth.Identity) {
	if err != nil && (snapshot.SessionID == "" || snapshot.Error == nil) {
		writeAssignmentError(ctx, w, err)
		return
	}
	message := ""
	if snapshot.Error != nil {
		message = snapshot.Error.Message
	}
	httpx.WriteJSON(w, status, message, buildAssignmentPayload(snapshot, identity))
}

func buildAssignmentPayload(snapshot services.AssignmentSnapshot, identity *auth.Identity) assignmentPayload {
	payload := assignmentPayload{
		SessionID:    snapshot.SessionID,
		Step:         string(snapshot.Step),
		Notification: buildNotificationPayload(snapshot.Notification),
		Seller:       counterpartyPayload{ID: snapshot.Seller.ID, Name: snapshot.Seller.Name},
		InFlight:     snapshot.InFlight,
		Skipped:      snapshot.Skipped,
		UpdatedAt:    formatTime(snapshot.UpdatedAt),
	}
	if snapshot.Request != nil {
		request := buildBuyRequestPayload(*snapshot.Request, identity)
		payload.Request = &request
	}
	if snapshot.Error != nil {
		payload.Error = &assignmentIssuePayload{Kind: snapshot.Error.Kind, Message: snapshot.Error.Message}
	}
	if snapshot.Document != nil {
		doc := buildDocumentPayload(*snapshot.Document)
		payload.Document = &doc
	}
	return payload
}

func writeAssignmentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrAssignmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("assignment_not_found", "assignment session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAssignmentBusy):
		httpx.WriteError(ctx, w, httpx.NewError("assignment_busy", "another step is in progress", http.StatusConflict))
	case errors.Is(err, services.ErrAssignmentInvalidStep):
		httpx.WriteError(ctx, w, httpx.NewError("assignment_invalid_step", "action not allowed in the current step", http.StatusConflict))
	case errors.Is(err, services.ErrResolutionAmbiguous):
		httpx.WriteError(ctx, w, httpx.NewError("resolution_ambiguous", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrResolutionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("resolution_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrNotificationInvalidInput),
		errors.Is(err, services.ErrNotificationNotFound),
		errors.Is(err, services.ErrNotificationUnavailable):
		writeNotificationError(ctx, w, err)
	default:
		writeBuyRequestError(ctx, w, err)
	}
}
