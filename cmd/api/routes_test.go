package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/queue"
)

type fakeRecorder struct {
	calls  int
	result attendance.ScanResult
	err    error
}

func (f *fakeRecorder) RecordScan(_ context.Context, _, _ string) (attendance.ScanResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeLimiter struct {
	calls int
	allow bool
}

func (f *fakeLimiter) AllowDevice(_ context.Context, _ string) (bool, error) {
	f.calls++
	return f.allow, nil
}

func scanRouter(rec *fakeRecorder, lim *fakeLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set("claims", auth.Claims{Subject: "station-1", Role: auth.RoleScanner})
	})
	registerScanRoutes(g, rec, lim, queue.NewInMemory(4), zap.NewNop().Sugar())
	return r
}

func postScan(r *gin.Engine, payload string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"payload": payload, "course_id": "c1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestScanCooldownStartsAfterDecode(t *testing.T) {
	now := time.Now()
	rec := &fakeRecorder{result: attendance.ScanResult{
		Event:   attendance.EventOpened,
		Session: attendance.Session{ID: "s1", CheckIn: &now},
		Message: "Check-in recorded for Amina Okoro at 08:55:00",
	}}
	lim := &fakeLimiter{allow: true}
	r := scanRouter(rec, lim)

	w := postScan(r, "####")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload: expected 400, got %d", w.Code)
	}
	if lim.calls != 0 {
		t.Fatal("garbled scan must not consume the cooldown window")
	}
	if rec.calls != 0 {
		t.Fatal("garbled scan must not reach the state machine")
	}

	cred, err := credential.Issue("t1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	w = postScan(r, string(cred.Payload))
	if w.Code != http.StatusOK {
		t.Fatalf("valid scan: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if lim.calls != 1 || rec.calls != 1 {
		t.Fatalf("expected one cooldown claim and one record, got %d/%d", lim.calls, rec.calls)
	}
}

func TestScanCoolingDeviceRejected(t *testing.T) {
	rec := &fakeRecorder{}
	lim := &fakeLimiter{allow: false}
	r := scanRouter(rec, lim)

	cred, err := credential.Issue("t1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	w := postScan(r, string(cred.Payload))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if rec.calls != 0 {
		t.Fatal("cooling device must not reach the state machine")
	}
}

type failingTokenStore struct{}

func (failingTokenStore) UpsertDevice(context.Context, string) error { return nil }
func (failingTokenStore) SaveRefreshToken(context.Context, string, string, time.Time) error {
	return errors.New("disk full")
}
func (failingTokenStore) RefreshTokenValid(context.Context, string) (bool, error) { return true, nil }
func (failingTokenStore) RevokeRefreshToken(context.Context, string) error        { return nil }

func TestDeviceRegisterLogsTokenSaveFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core).Sugar()

	r := gin.New()
	cfg := config.App{
		JWTIssuer:     "qrattend",
		JWTSigningKey: "secret",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	}
	registerAuthRoutes(r, cfg, failingTokenStore{}, log)

	body, _ := json.Marshal(map[string]string{"device_id": "station-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/devices/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("registration should still succeed, got %d", w.Code)
	}
	if logs.FilterMessage("refresh token save failed").Len() != 1 {
		t.Fatal("save failure must be logged")
	}
}
