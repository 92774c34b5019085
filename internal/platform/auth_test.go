package platform

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRSAKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func TestAADAuthHeaderFetchesAndCachesToken(t *testing.T) {
	var exchanges int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	}))
	defer srv.Close()

	provider, err := NewAADAuthProvider("tenant", "client", testRSAKeyPEM(t), "https://scope/.default")
	if err != nil {
		t.Fatalf("NewAADAuthProvider() = %v", err)
	}
	provider.tokenEndpoint = srv.URL

	header, err := provider.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader() = %v", err)
	}
	if header != "Bearer tok-1" {
		t.Fatalf("AuthHeader() = %q", header)
	}

	if _, err := provider.AuthHeader(context.Background()); err != nil {
		t.Fatalf("second AuthHeader() = %v", err)
	}
	if exchanges != 1 {
		t.Fatalf("exchanges = %d, want 1 (second call should hit cache)", exchanges)
	}
}

func TestAADAuthHeaderRefreshesNearExpiry(t *testing.T) {
	var exchanges int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 60})
	}))
	defer srv.Close()

	provider, err := NewAADAuthProvider("tenant", "client", testRSAKeyPEM(t), "scope")
	if err != nil {
		t.Fatalf("NewAADAuthProvider() = %v", err)
	}
	provider.tokenEndpoint = srv.URL

	if _, err := provider.AuthHeader(context.Background()); err != nil {
		t.Fatalf("AuthHeader() = %v", err)
	}
	provider.token.expires = time.Now().Add(2 * time.Minute)

	if _, err := provider.AuthHeader(context.Background()); err != nil {
		t.Fatalf("AuthHeader() after near-expiry = %v", err)
	}
	if exchanges != 2 {
		t.Fatalf("exchanges = %d, want 2 (within 5-minute buffer should refresh)", exchanges)
	}
}
