package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	srv, err := NewServer(0, filepath.Join(dir, "keys.db"), filepath.Join(dir, "users.db"))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url, token string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode
}

func registerOperator(t *testing.T, baseURL string) string {
	t.Helper()
	var auth AuthResponse
	status := postJSON(t, baseURL+"/register", "", RegisterRequest{Username: "operator", Password: "hunter22"}, &auth)
	if status != http.StatusOK || !auth.Success || auth.Token == "" {
		t.Fatalf("Registration failed: status=%d response=%+v", status, auth)
	}
	return auth.Token
}

func TestAuthGate(t *testing.T) {
	_, ts := newTestServer(t)

	var resp GenerateResponse
	status := postJSON(t, ts.URL+"/generate", "", GenerateRequest{KeyID: "k"}, &resp)
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", status)
	}

	status = postJSON(t, ts.URL+"/generate", "not-a-token", GenerateRequest{KeyID: "k"}, &resp)
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bad token, got %d", status)
	}
}

func TestLogin(t *testing.T) {
	_, ts := newTestServer(t)
	registerOperator(t, ts.URL)

	var auth AuthResponse
	status := postJSON(t, ts.URL+"/login", "", LoginRequest{Username: "operator", Password: "hunter22"}, &auth)
	if status != http.StatusOK || !auth.Success || auth.Token == "" {
		t.Fatalf("Login failed: status=%d response=%+v", status, auth)
	}

	status = postJSON(t, ts.URL+"/login", "", LoginRequest{Username: "operator", Password: "wrong"}, &auth)
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong password, got %d", status)
	}
}

func TestGenerateSignVerifyFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full key generation in short mode")
	}

	_, ts := newTestServer(t)
	token := registerOperator(t, ts.URL)

	var gen GenerateResponse
	status := postJSON(t, ts.URL+"/generate", token, GenerateRequest{KeyID: "key-1"}, &gen)
	if status != http.StatusOK || !gen.Success {
		t.Fatalf("Generate failed: status=%d response=%+v", status, gen)
	}
	if gen.MaxSigs != 1024 {
		t.Errorf("Expected 1024 max signatures, got %d", gen.MaxSigs)
	}

	pubBytes, err := base64.StdEncoding.DecodeString(gen.PublicKey)
	if err != nil || len(pubBytes) != 56 {
		t.Fatalf("Bad exported public key: err=%v len=%d", err, len(pubBytes))
	}

	// Duplicate key IDs are refused.
	var dup GenerateResponse
	if status := postJSON(t, ts.URL+"/generate", token, GenerateRequest{KeyID: "key-1"}, &dup); status != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate key, got %d", status)
	}

	msg := base64.StdEncoding.EncodeToString([]byte("service flow"))
	var sign SignResponse
	status = postJSON(t, ts.URL+"/sign", token, SignRequest{KeyID: "key-1", Message: msg}, &sign)
	if status != http.StatusOK || !sign.Success {
		t.Fatalf("Sign failed: status=%d response=%+v", status, sign)
	}
	if sign.Index != 0 {
		t.Errorf("Expected first signature at index 0, got %d", sign.Index)
	}

	var verify VerifyResponse
	status = postJSON(t, ts.URL+"/verify", token, VerifyRequest{
		PublicKey: gen.PublicKey,
		Message:   msg,
		Signature: sign.Signature,
	}, &verify)
	if status != http.StatusOK || !verify.Success || !verify.Valid {
		t.Fatalf("Verify failed: status=%d response=%+v", status, verify)
	}

	// A different message must not verify.
	badMsg := base64.StdEncoding.EncodeToString([]byte("other message"))
	status = postJSON(t, ts.URL+"/verify", token, VerifyRequest{
		PublicKey: gen.PublicKey,
		Message:   badMsg,
		Signature: sign.Signature,
	}, &verify)
	if status != http.StatusOK || verify.Valid {
		t.Errorf("Expected invalid verification, got %+v", verify)
	}

	// A second signature consumes the next leaf.
	status = postJSON(t, ts.URL+"/sign", token, SignRequest{KeyID: "key-1", Message: msg}, &sign)
	if status != http.StatusOK || sign.Index != 1 {
		t.Errorf("Expected second signature at index 1, got status=%d index=%d", status, sign.Index)
	}

	// The exported key is retrievable.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/pubkey/key-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Pubkey request failed: %v", err)
	}
	defer resp.Body.Close()
	var pubResp PubKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&pubResp); err != nil {
		t.Fatalf("Failed to decode pubkey response: %v", err)
	}
	if !pubResp.Success || pubResp.PublicKey != gen.PublicKey {
		t.Errorf("Stored public key mismatch: %+v", pubResp)
	}
}

func TestSignUnknownKey(t *testing.T) {
	_, ts := newTestServer(t)
	token := registerOperator(t, ts.URL)

	msg := base64.StdEncoding.EncodeToString([]byte("m"))
	var sign SignResponse
	status := postJSON(t, ts.URL+"/sign", token, SignRequest{KeyID: "missing", Message: msg}, &sign)
	if status != http.StatusNotFound || sign.Success {
		t.Errorf("Expected 404 for unknown key, got status=%d response=%+v", status, sign)
	}
}

func TestVerifyRejectsUnknownParameters(t *testing.T) {
	_, ts := newTestServer(t)
	token := registerOperator(t, ts.URL)

	// A public key with an unregistered LMS type must be rejected at
	// import, not treated as an invalid signature.
	bogus := make([]byte, 56)
	bogus[3] = 0x01
	var verify VerifyResponse
	status := postJSON(t, ts.URL+"/verify", token, VerifyRequest{
		PublicKey: base64.StdEncoding.EncodeToString(bogus),
		Message:   base64.StdEncoding.EncodeToString([]byte("m")),
		Signature: base64.StdEncoding.EncodeToString(make([]byte, 1452)),
	}, &verify)
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown parameter set, got %d", status)
	}
}
