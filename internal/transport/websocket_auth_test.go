package transport

import (
	"net/http/httptest"
	"testing"
)

func TestWebsocketRequestIsAuthorizedEmptyTokenAllowsAll(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if !websocketRequestIsAuthorized(req, "") {
		t.Error("empty configured token should authorize every request")
	}
}

func TestWebsocketRequestIsAuthorizedBearerHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if !websocketRequestIsAuthorized(req, "secret") {
		t.Error("exact Bearer header match should authorize")
	}
}

func TestWebsocketRequestIsAuthorizedWrongBearerHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if websocketRequestIsAuthorized(req, "secret") {
		t.Error("mismatched Bearer header must not authorize")
	}
}

func TestWebsocketRequestIsAuthorizedQueryParam(t *testing.T) {
	req := httptest.NewRequest("GET", "/?token=secret", nil)
	if !websocketRequestIsAuthorized(req, "secret") {
		t.Error("token= query parameter match should authorize")
	}
}

func TestWebsocketRequestIsAuthorizedNeitherPresent(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if websocketRequestIsAuthorized(req, "secret") {
		t.Error("request with no credentials must not authorize a configured token")
	}
}
