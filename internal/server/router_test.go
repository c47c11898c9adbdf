package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/background"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/database"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/users"
)

const (
	testSecret = "test-signing-secret"
	testIssuer = "marketchat-auth"
)

type testServer struct {
	handler  http.Handler
	hub      *realtime.Hub
	issuer   *auth.TokenIssuer
	db       *gorm.DB
	messages *chat.GormMessageStore
	runner   *background.Runner
	logs     *observer.ObservedLogs
}

func newTestServer(t *testing.T, origins []string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "marketchat.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Create(&conversations.Business{ID: "biz1", OwnerUserID: "owner-b", Name: "Panadería"}).Error; err != nil {
		t.Fatalf("failed to seed business: %v", err)
	}
	if err := db.Create(&conversations.Order{ID: "order-42", BusinessID: "biz1", CustomerID: "custA"}).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	runner := background.NewRunner(background.RunnerConfig{Logger: logger})
	t.Cleanup(runner.Wait)

	catalog, err := conversations.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build catalog store: %v", err)
	}
	messages, err := chat.NewGormMessageStore(db)
	if err != nil {
		t.Fatalf("failed to build message store: %v", err)
	}
	blocks, err := chat.NewGormBlockStore(db)
	if err != nil {
		t.Fatalf("failed to build block store: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profile service: %v", err)
	}
	uploads, err := objects.NewLocalStore(objects.LocalStoreConfig{Dir: t.TempDir(), PublicPrefix: "/uploads", MaxBytes: 4 << 10})
	if err != nil {
		t.Fatalf("failed to build upload store: %v", err)
	}
	resolver := conversations.NewResolver(conversations.ResolverConfig{Store: catalog, Logger: logger})
	tracker := presence.NewTracker(presence.TrackerConfig{LastSeen: profiles, Scheduler: runner, Logger: logger})

	hub, err := realtime.NewHub(realtime.HubConfig{
		Resolver:  resolver,
		Messages:  messages,
		Blocks:    blocks,
		Images:    uploads,
		Directory: profiles,
		Tracker:   tracker,
		Scheduler: runner,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       validator,
		Hub:            hub,
		Resolver:       resolver,
		History:        messages,
		Blocks:         blocks,
		Uploads:        uploads,
		Profiles:       profiles,
		CookieName:     "app_session",
		AllowedOrigins: origins,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, hub: hub, issuer: issuer, db: db, messages: messages, runner: runner, logs: logs}
}

func (s *testServer) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, target, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == nil {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, body)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, nil)
	recorder := server.do(t, http.MethodGet, "/healthz", "", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestCORSPreflightForConfiguredOrigin(t *testing.T) {
	server := newTestServer(t, []string{"https://app.example.com"})

	request := httptest.NewRequest(http.MethodOptions, "/blocks/owner-b", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, nil)
	recorder := server.do(t, http.MethodGet, "/conversations/conv:biz1:custA/messages", "", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestExpiredTokenLoggedAtInfoLevel(t *testing.T) {
	server := newTestServer(t, nil)
	stale, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return time.Now().Add(-time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to build stale issuer: %v", err)
	}
	token, _, err := stale.Issue(auth.Identity{UserID: "custA"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	recorder := server.do(t, http.MethodGet, "/conversations/conv:biz1:custA/messages", token, nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := server.logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one validation log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	hasExpired := false
	for _, field := range entries[0].Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entries[0].Context)
	}
}

func TestTokenAcceptedFromCookie(t *testing.T) {
	server := newTestServer(t, nil)
	request := httptest.NewRequest(http.MethodGet, "/conversations/conv:biz1:custA/messages", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "app_session", Value: server.token(t, "custA", "Ana")})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cookie auth to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestHistoryMergesLegacyKeyAndChecksParticipants(t *testing.T) {
	server := newTestServer(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	seed := []chat.Message{
		{ID: "m1", ConversationID: "order-42", SenderID: "custA", Text: "old", CreatedAt: base},
		{ID: "m2", ConversationID: "conv:biz1:custA", LegacyOrderID: "order-42", SenderID: "owner-b", Text: "new", CreatedAt: base.Add(time.Minute)},
	}
	for _, message := range seed {
		if _, err := server.messages.Append(ctx, message); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}

	recorder := server.do(t, http.MethodGet, "/conversations/order-42/messages?limit=10", server.token(t, "custA", "Ana"), nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload historyResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if payload.ConversationID != "conv:biz1:custA" || len(payload.Messages) != 2 {
		t.Fatalf("unexpected history %#v", payload)
	}
	if payload.Messages[0].ID != "m1" || payload.Messages[1].ID != "m2" {
		t.Fatalf("history must be oldest first, got %s then %s", payload.Messages[0].ID, payload.Messages[1].ID)
	}

	recorder = server.do(t, http.MethodGet, "/conversations/order-42/messages", server.token(t, "stranger", ""), nil, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non participant, got %d", recorder.Code)
	}

	recorder = server.do(t, http.MethodGet, "/conversations/order-42/messages?limit=zero", server.token(t, "custA", ""), nil, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", recorder.Code)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.token(t, "owner-b", "Bea")

	if recorder := server.do(t, http.MethodPut, "/blocks/custA", token, nil, ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on block, got %d", recorder.Code)
	}
	var count int64
	server.db.Model(&chat.Block{}).Where("blocker_id = ? AND blocked_id = ?", "owner-b", "custA").Count(&count)
	if count != 1 {
		t.Fatalf("expected a stored block, got %d", count)
	}
	if recorder := server.do(t, http.MethodPut, "/blocks/owner-b", token, nil, ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on self block, got %d", recorder.Code)
	}
	assertBlocked(t, server, token, "custA", true)
	if recorder := server.do(t, http.MethodDelete, "/blocks/custA", token, nil, ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on unblock, got %d", recorder.Code)
	}
	assertBlocked(t, server, token, "custA", false)
}

func assertBlocked(t *testing.T, server *testServer, token, userID string, expected bool) {
	t.Helper()
	recorder := server.do(t, http.MethodGet, "/blocks/"+userID, token, nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on block status, got %d", recorder.Code)
	}
	var payload blockStatusPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid block status payload: %v", err)
	}
	if payload.UserID != userID || payload.Blocked != expected {
		t.Fatalf("expected blocked=%v for %s, got %#v", expected, userID, payload)
	}
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buffer.Bytes()
}

func TestUploadValidatesAndServesImages(t *testing.T) {
	server := newTestServer(t, nil)
	token := server.token(t, "custA", "Ana")

	body, contentType := multipartBody(t, "cat.png", "image/png", pngBytes(t))
	recorder := server.do(t, http.MethodPost, "/uploads", token, body, contentType)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var reference objects.Reference
	if err := json.Unmarshal(recorder.Body.Bytes(), &reference); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if reference.MimeType != "image/png" || !strings.HasPrefix(reference.URL, "/uploads/") {
		t.Fatalf("unexpected reference %#v", reference)
	}
	if served := server.do(t, http.MethodGet, reference.URL, "", nil, ""); served.Code != http.StatusOK {
		t.Fatalf("expected stored image to be served, got %d", served.Code)
	}

	body, contentType = multipartBody(t, "notes.txt", "text/plain", []byte("definitely not an image"))
	if recorder := server.do(t, http.MethodPost, "/uploads", token, body, contentType); recorder.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for text, got %d", recorder.Code)
	}

	large := append(pngBytes(t), bytes.Repeat([]byte{0}, 8<<10)...)
	body, contentType = multipartBody(t, "big.png", "image/png", large)
	if recorder := server.do(t, http.MethodPost, "/uploads", token, body, contentType); recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversize payload, got %d", recorder.Code)
	}

	if recorder := server.do(t, http.MethodGet, "/uploads/..secret", "", nil, ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for invalid names, got %d", recorder.Code)
	}
}
