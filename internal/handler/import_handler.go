package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Guizzs26/cu-sync-agent/internal/importer"
	"github.com/labstack/echo/v4"
)

const actorHeader = "X-Actor-ID"

// ImportSessions opens and tracks bulk import sessions
type ImportSessions interface {
	Open(actorID string) *importer.Session
	Get(id string) (*importer.Session, error)
	Close(id string) error
}

type ImportHandler struct {
	sessions ImportSessions
	policy   importer.UploadPolicy
}

type createImportRequest struct {
	Text string `json:"text"`
}

type includeRequest struct {
	Include *bool `json:"include"`
}

type confirmRequest struct {
	SendWelcomeEmails bool `json:"send_welcome_emails"`
}

func NewImportHandler(s ImportSessions, p importer.UploadPolicy) *ImportHandler {
	return &ImportHandler{sessions: s, policy: p}
}

// Create opens a session and parses either a JSON {text} body or a
// multipart file upload.
func (h *ImportHandler) Create(c echo.Context) error {
	actorID := strings.TrimSpace(c.Request().Header.Get(actorHeader))
	if actorID == "" {
		return fail(c, http.StatusBadRequest, "missing_actor", actorHeader+" header is required")
	}

	text, err := h.readPayload(c)
	if err != nil {
		var uploadErr *importer.UploadError
		if errors.As(err, &uploadErr) {
			return fail(c, http.StatusBadRequest, "invalid_upload", uploadErr.Error())
		}
		return fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}

	session := h.sessions.Open(actorID)
	if err := session.Parse(c.Request().Context(), text); err != nil {
		_ = h.sessions.Close(session.ID())
		return importError(c, err)
	}
	return ok(c, http.StatusCreated, session.View())
}

func (h *ImportHandler) readPayload(c echo.Context) (string, error) {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		var req createImportRequest
		if err := c.Bind(&req); err != nil {
			return "", err
		}
		return req.Text, nil
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return "", &importer.UploadError{Field: "file", Message: "file is required"}
	}
	if err := h.policy.CheckUpload(fh.Filename, fh.Size); err != nil {
		return "", err
	}

	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return importer.DecodeUpload(raw), nil
}

func (h *ImportHandler) Get(c echo.Context) error {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		return importError(c, err)
	}
	return ok(c, http.StatusOK, session.View())
}

func (h *ImportHandler) SetInclude(c echo.Context) error {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		return importError(c, err)
	}

	rowID, err := strconv.Atoi(c.Param("row"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid_row_id", "row must be an integer")
	}

	var req includeRequest
	if err := c.Bind(&req); err != nil || req.Include == nil {
		return fail(c, http.StatusBadRequest, "bad_request", "include must be a boolean")
	}

	if err := session.SetInclude(rowID, *req.Include); err != nil {
		return importError(c, err)
	}
	return ok(c, http.StatusOK, session.View())
}

func (h *ImportHandler) Proceed(c echo.Context) error {
	return h.transition(c, (*importer.Session).Proceed)
}

func (h *ImportHandler) Back(c echo.Context) error {
	return h.transition(c, (*importer.Session).Back)
}

func (h *ImportHandler) Cancel(c echo.Context) error {
	return h.transition(c, (*importer.Session).Cancel)
}

func (h *ImportHandler) RetryFailed(c echo.Context) error {
	return h.transition(c, (*importer.Session).RetryFailed)
}

func (h *ImportHandler) transition(c echo.Context, step func(*importer.Session) error) error {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		return importError(c, err)
	}
	if err := step(session); err != nil {
		return importError(c, err)
	}
	return ok(c, http.StatusOK, session.View())
}

func (h *ImportHandler) Confirm(c echo.Context) error {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		return importError(c, err)
	}

	var req confirmRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
		}
	}

	if _, err := session.Confirm(c.Request().Context(), req.SendWelcomeEmails); err != nil {
		return importError(c, err)
	}
	return ok(c, http.StatusOK, session.View())
}

func (h *ImportHandler) FailuresCSV(c echo.Context) error {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		return importError(c, err)
	}

	out, err := session.FailuresCSV()
	if err != nil {
		return importError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="import-failures-`+session.ID()+`.csv"`)
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", out)
}

func (h *ImportHandler) Close(c echo.Context) error {
	if err := h.sessions.Close(c.Param("id")); err != nil {
		return importError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func importError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, importer.ErrSessionNotFound):
		return fail(c, http.StatusNotFound, "not_found", "import session not found")
	case errors.Is(err, importer.ErrRowNotFound):
		return fail(c, http.StatusNotFound, "row_not_found", err.Error())
	case errors.Is(err, importer.ErrInvalidTransition):
		return fail(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, importer.ErrTooFewLines):
		return fail(c, http.StatusUnprocessableEntity, "too_few_lines", err.Error())
	case errors.Is(err, importer.ErrRowInvalid),
		errors.Is(err, importer.ErrNothingIncluded),
		errors.Is(err, importer.ErrNothingToRetry):
		return fail(c, http.StatusUnprocessableEntity, "rejected", err.Error())
	default:
		return fail(c, http.StatusInternalServerError, "internal_error", "import operation failed")
	}
}
