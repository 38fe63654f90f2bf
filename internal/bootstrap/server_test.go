package bootstrap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Guizzs26/cu-sync-agent/internal/bootstrap"
	"github.com/Guizzs26/cu-sync-agent/internal/importer"
	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/Guizzs26/cu-sync-agent/internal/service"
	"github.com/Guizzs26/cu-sync-agent/internal/store"
	"github.com/labstack/echo/v4"
)

type nopCreator struct{}

func (nopCreator) BulkCreateUsers(ctx context.Context, req models.BulkCreateRequest) (models.BulkCreateResult, error) {
	return models.BulkCreateResult{Success: len(req.Records)}, nil
}

type nopBackend struct{}

func (nopBackend) BatchProcess(ctx context.Context, kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
	return models.BatchResult{}, nil
}

func newTestServer(maxUpload int64) *echo.Echo {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := service.NewConnectivity(true, logger)
	return bootstrap.NewHTTPServer(bootstrap.Deps{
		Queue:        service.NewOfflineQueue(store.NewMemoryStore(), nopBackend{}, nil, conn, 100, logger),
		Connectivity: conn,
		Imports:      importer.NewRegistry(nopCreator{}, nil, nil, logger),
		Upload:       importer.UploadPolicy{MaxBytes: maxUpload, AllowedExtensions: []string{".csv"}},
		Logger:       logger,
	})
}

func upload(t *testing.T, size int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "members.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(bytes.Repeat([]byte("a"), size))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	req.Header.Set("X-Actor-ID", "admin-1")
	return req
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(1024).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("expected request id header from middleware")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(1024).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agent_queue_backlog") {
		t.Fatal("expected agent collectors in metrics output")
	}
}

func TestOversizedUploadGetsFieldError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(1024).ServeHTTP(rec, upload(t, 4096))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var got struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected json: %v", err)
	}
	if got.Error.Code != "invalid_upload" {
		t.Fatalf("expected invalid_upload, got %q", got.Error.Code)
	}
}

func TestBodyBeyondHeadroomIsRejected(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(1024).ServeHTTP(rec, upload(t, 2<<20))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	e := newTestServer(1024)
	e.GET("/panic", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
