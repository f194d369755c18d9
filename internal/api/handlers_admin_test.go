package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/types"
)

// TestInitialize_Success tests a successful ownership transfer
func TestInitialize_Success(t *testing.T) {
	var gotCaller, gotNewOwner string

	admin := &mockAdmin{
		initializeFunc: func(ctx context.Context, caller, newOwner string) error {
			gotCaller = caller
			gotNewOwner = newOwner
			return nil
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(InitializeRequest{NewOwner: testOther})

	req := httptest.NewRequest("POST", "/api/admin/initialize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", testCaller)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !response["success"] {
		t.Error("Expected success to be true")
	}

	if gotCaller != testCaller || gotNewOwner != testOther {
		t.Errorf("Unexpected service arguments: caller=%s newOwner=%s", gotCaller, gotNewOwner)
	}
}

// TestInitialize_NotOwner tests a transfer attempted by a non-owner
func TestInitialize_NotOwner(t *testing.T) {
	admin := &mockAdmin{
		initializeFunc: func(ctx context.Context, caller, newOwner string) error {
			return &types.ServiceError{Code: types.ErrCodeNotAuthorized, Message: "caller is not the registry owner"}
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(InitializeRequest{NewOwner: testOther})

	req := httptest.NewRequest("POST", "/api/admin/initialize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", testCaller)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}

	svcErr := decodeError(t, w)
	if svcErr.Code != types.ErrCodeNotAuthorized {
		t.Errorf("Expected code NOT_AUTHORIZED, got %s", svcErr.Code)
	}
}

// TestInitialize_InvalidNewOwner tests a transfer to a malformed identity
func TestInitialize_InvalidNewOwner(t *testing.T) {
	called := false
	admin := &mockAdmin{
		initializeFunc: func(ctx context.Context, caller, newOwner string) error {
			called = true
			return nil
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(InitializeRequest{NewOwner: "nobody"})

	req := httptest.NewRequest("POST", "/api/admin/initialize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", testCaller)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if called {
		t.Error("Expected the service to not be called for a malformed new owner")
	}
}

// TestInitialize_MissingCaller tests a transfer without a caller header
func TestInitialize_MissingCaller(t *testing.T) {
	called := false
	admin := &mockAdmin{
		initializeFunc: func(ctx context.Context, caller, newOwner string) error {
			called = true
			return nil
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(InitializeRequest{NewOwner: testOther})

	req := httptest.NewRequest("POST", "/api/admin/initialize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if called {
		t.Error("Expected the service to not be called without a caller")
	}
}

// TestSetFee_Success tests a successful fee update
func TestSetFee_Success(t *testing.T) {
	var gotCaller string
	var gotFee uint32

	admin := &mockAdmin{
		setFeeFunc: func(ctx context.Context, caller string, feeBasisPoints uint32) error {
			gotCaller = caller
			gotFee = feeBasisPoints
			return nil
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(SetFeeRequest{FeeBasisPoints: 250})

	req := httptest.NewRequest("PUT", "/api/admin/fee", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", testCaller)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if gotCaller != testCaller || gotFee != 250 {
		t.Errorf("Unexpected service arguments: caller=%s fee=%d", gotCaller, gotFee)
	}
}

// TestSetFee_TooLarge tests a fee past the basis-point denominator
func TestSetFee_TooLarge(t *testing.T) {
	admin := &mockAdmin{
		setFeeFunc: func(ctx context.Context, caller string, feeBasisPoints uint32) error {
			return &types.ServiceError{Code: types.ErrCodeInvalidPercentage, Message: "fee must be at most 10000 basis points"}
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(SetFeeRequest{FeeBasisPoints: 10001})

	req := httptest.NewRequest("PUT", "/api/admin/fee", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", testCaller)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	svcErr := decodeError(t, w)
	if svcErr.Code != types.ErrCodeInvalidPercentage {
		t.Errorf("Expected code INVALID_PERCENTAGE, got %s", svcErr.Code)
	}
}

// TestSetFee_NotOwner tests a fee update by a non-owner
func TestSetFee_NotOwner(t *testing.T) {
	admin := &mockAdmin{
		setFeeFunc: func(ctx context.Context, caller string, feeBasisPoints uint32) error {
			return &types.ServiceError{Code: types.ErrCodeNotAuthorized, Message: "caller is not the registry owner"}
		},
	}
	server := createTestServerWith(&mockManager{}, &mockQuerier{}, admin, nil)

	body, _ := json.Marshal(SetFeeRequest{FeeBasisPoints: 250})

	req := httptest.NewRequest("PUT", "/api/admin/fee", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Address", testOther)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
}

// TestGetRegistryInfo tests the registry configuration endpoint
func TestGetRegistryInfo(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/admin/registry", nil)

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response models.RegistryState
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Owner != testCaller {
		t.Errorf("Expected owner %s, got %s", testCaller, response.Owner)
	}
	if response.PortfolioCounter != 2 {
		t.Errorf("Expected portfolio counter 2, got %d", response.PortfolioCounter)
	}
	if response.FeeBasisPoints != 30 {
		t.Errorf("Expected fee 30, got %d", response.FeeBasisPoints)
	}
}
