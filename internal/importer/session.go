package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/cu-sync-agent/internal/broker"
	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/Guizzs26/cu-sync-agent/pkg/metrics"
)

type State string

const (
	StateInput        State = "input"
	StatePreview      State = "preview"
	StateConfirmation State = "confirmation"
	StateSubmitting   State = "submitting"
	StateCompleted    State = "completed"
)

const (
	SourceLabel          = "bulk_import"
	TransportFailureNote = "server or network error"

	publishTimeout = 5 * time.Second
)

// UserCreator defines the contract of the remote bulk creation endpoint
type UserCreator interface {
	BulkCreateUsers(ctx context.Context, req models.BulkCreateRequest) (models.BulkCreateResult, error)
}

// EmailDirectory supplies the emails of users that already exist
type EmailDirectory interface {
	ListUserEmails(ctx context.Context) ([]string, error)
}

// EventPublisher defines the contract for analytics event publishing
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event models.AgentEvent) error
}

// Summary counts rows of the current preview.
type Summary struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Invalid  int `json:"invalid"`
	Included int `json:"included"`
}

// View is a point-in-time copy of a session for display.
type View struct {
	ID        string                      `json:"id"`
	ActorID   string                      `json:"actor_id"`
	State     State                       `json:"state"`
	CreatedAt time.Time                   `json:"created_at"`
	Rows      []models.ImportRow          `json:"rows"`
	Summary   Summary                     `json:"summary"`
	Result    *models.ImportSessionResult `json:"result,omitempty"`
}

// Session is the lifetime of one bulk import, from raw text to the final
// report. All methods are safe for concurrent use.
type Session struct {
	id        string
	actorID   string
	createdAt time.Time

	creator   UserCreator
	directory EmailDirectory
	events    EventPublisher
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	rows     []models.ImportRow
	result   *models.ImportSessionResult
	lastSeen time.Time
}

func (s *Session) ID() string { return s.id }

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// idle reports whether the session can be evicted. A session that is
// submitting is never idle.
func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateSubmitting && now.Sub(s.lastSeen) > ttl
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:        s.id,
		ActorID:   s.actorID,
		State:     s.state,
		CreatedAt: s.createdAt,
		Rows:      slices.Clone(s.rows),
		Summary:   summarize(s.rows),
	}
	if s.result != nil {
		r := *s.result
		v.Result = &r
	}
	return v
}

// Parse reads the payload and moves the session to preview. Existing
// users are looked up once; if the lookup fails the backend remains the
// final guard against duplicates.
func (s *Session) Parse(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state != StateInput {
		s.mu.Unlock()
		return fmt.Errorf("%w: parse from %s", ErrInvalidTransition, s.state)
	}
	s.mu.Unlock()

	var known []string
	if s.directory != nil {
		emails, err := s.directory.ListUserEmails(ctx)
		if err != nil {
			s.logger.Warn("Existing user lookup failed, validating without it", "error", err)
		} else {
			known = emails
		}
	}

	rows, err := Parse(text, known)
	if err != nil {
		return err
	}

	sum := summarize(rows)
	metrics.ImportRows.WithLabelValues("valid").Add(float64(sum.Valid))
	metrics.ImportRows.WithLabelValues("invalid").Add(float64(sum.Invalid))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInput {
		return fmt.Errorf("%w: parse from %s", ErrInvalidTransition, s.state)
	}
	s.rows = rows
	s.state = StatePreview

	s.logger.Info("Import payload parsed", "rows", sum.Total, "valid", sum.Valid, "invalid", sum.Invalid)
	return nil
}

// SetInclude toggles whether a row is submitted. Invalid rows stay excluded.
func (s *Session) SetInclude(rowID int, include bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePreview {
		return fmt.Errorf("%w: select rows in %s", ErrInvalidTransition, s.state)
	}

	i := slices.IndexFunc(s.rows, func(r models.ImportRow) bool { return r.RowID == rowID })
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
	}
	if include && !s.rows[i].IsValid {
		return fmt.Errorf("%w: row %d", ErrRowInvalid, rowID)
	}
	s.rows[i].Include = include
	return nil
}

// Proceed moves from preview to confirmation.
func (s *Session) Proceed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePreview {
		return fmt.Errorf("%w: proceed from %s", ErrInvalidTransition, s.state)
	}
	if summarize(s.rows).Included == 0 {
		return ErrNothingIncluded
	}
	s.state = StateConfirmation
	return nil
}

// Back returns from confirmation to preview.
func (s *Session) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConfirmation {
		return fmt.Errorf("%w: back from %s", ErrInvalidTransition, s.state)
	}
	s.state = StatePreview
	return nil
}

// Cancel discards parsed rows and any result and returns to input.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateSubmitting {
		return fmt.Errorf("%w: cancel while submitting", ErrInvalidTransition)
	}
	s.state = StateInput
	s.rows = nil
	s.result = nil
	return nil
}

// Confirm submits the included rows in a single bulk creation call. A
// transport or server failure marks every attempted record as failed.
func (s *Session) Confirm(ctx context.Context, sendWelcome bool) (models.ImportSessionResult, error) {
	s.mu.Lock()
	if s.state != StateConfirmation {
		state := s.state
		s.mu.Unlock()
		return models.ImportSessionResult{}, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, state)
	}
	records := includedRecords(s.rows)
	s.state = StateSubmitting
	s.mu.Unlock()

	l := s.logger.With("records", len(records), "send_welcome", sendWelcome)
	l.Info("Submitting bulk import")

	start := time.Now()
	res, err := s.creator.BulkCreateUsers(ctx, models.BulkCreateRequest{
		Records:           records,
		SendWelcomeEmails: sendWelcome,
		SourceLabel:       SourceLabel,
		ActorID:           s.actorID,
	})

	var result models.ImportSessionResult
	if err != nil {
		l.Error("Bulk import submission failed", "error", err)
		result = models.ImportSessionResult{Failed: len(records)}
		for _, r := range records {
			result.FailedRecords = append(result.FailedRecords, models.FailedRecord{Email: r.Email, Reason: TransportFailureNote})
		}
	} else {
		result = models.ImportSessionResult{
			Success:       res.Success,
			Failed:        res.Failed,
			Skipped:       res.Skipped,
			FailedRecords: res.FailedList,
		}
	}

	metrics.ImportRecords.WithLabelValues("created").Add(float64(result.Success))
	metrics.ImportRecords.WithLabelValues("failed").Add(float64(result.Failed))
	metrics.ImportRecords.WithLabelValues("skipped").Add(float64(result.Skipped))

	s.mu.Lock()
	s.result = &result
	s.state = StateCompleted
	s.mu.Unlock()

	l.Info("Bulk import completed",
		"success", result.Success,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.publish(ctx, result)
	return result, nil
}

// RetryFailed returns a completed session to preview with only the rows
// that failed selected.
func (s *Session) RetryFailed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCompleted {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, s.state)
	}
	if s.result == nil || len(s.result.FailedRecords) == 0 {
		return ErrNothingToRetry
	}

	failed := make(map[string]bool, len(s.result.FailedRecords))
	for _, f := range s.result.FailedRecords {
		failed[strings.ToLower(f.Email)] = true
	}
	for i := range s.rows {
		s.rows[i].Include = s.rows[i].IsValid && failed[strings.ToLower(s.rows[i].Data.Email)]
	}

	s.result = nil
	s.state = StatePreview
	return nil
}

// FailuresCSV exports the failed records of a completed session.
func (s *Session) FailuresCSV() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCompleted || s.result == nil {
		return nil, fmt.Errorf("%w: export from %s", ErrInvalidTransition, s.state)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"email", "reason"})
	for _, f := range s.result.FailedRecords {
		_ = w.Write([]string{f.Email, f.Reason})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write failures csv: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Session) publish(ctx context.Context, result models.ImportSessionResult) {
	if s.events == nil {
		return
	}

	event, err := broker.NewEvent(broker.RoutingImportComplete, struct {
		SessionID string `json:"session_id"`
		ActorID   string `json:"actor_id"`
		models.ImportSessionResult
	}{s.id, s.actorID, result})
	if err != nil {
		s.logger.Error("Failed to build import event", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(pubCtx, broker.RoutingImportComplete, event); err != nil {
		s.logger.Warn("Import event not published", "event_id", event.EventID, "error", err)
	}
}

func includedRecords(rows []models.ImportRow) []models.UserRecord {
	var out []models.UserRecord
	for _, r := range rows {
		if r.Include && r.IsValid {
			out = append(out, r.Data)
		}
	}
	return out
}

func summarize(rows []models.ImportRow) Summary {
	sum := Summary{Total: len(rows)}
	for _, r := range rows {
		if r.IsValid {
			sum.Valid++
		} else {
			sum.Invalid++
		}
		if r.Include {
			sum.Included++
		}
	}
	return sum
}
