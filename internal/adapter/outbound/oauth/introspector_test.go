package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/datagate-io/datagate/internal/config"
)

func newIntrospector(t *testing.T, handler http.HandlerFunc) *Introspector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	i, err := NewIntrospector(config.OAuthConfig{IntrospectionURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewIntrospector: %v", err)
	}
	return i
}

func TestIntrospectActive(t *testing.T) {
	i := newIntrospector(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("token") != "tok-1" {
			t.Errorf("form = %v, err = %v", r.PostForm, err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"sub":"alice","client_id":"web","scope":"read:all write:all","iss":"https://auth.test","aud":"datagate","iat":1700000000,"exp":1700003600}`))
	})

	res, err := i.Introspect(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !res.Active || res.Subject != "alice" || res.ClientID != "web" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Scopes) != 2 || res.Scopes[0] != "read:all" {
		t.Errorf("scopes = %v", res.Scopes)
	}
	if len(res.Audience) != 1 || res.Audience[0] != "datagate" {
		t.Errorf("audience = %v", res.Audience)
	}
	if res.ExpiresAt.Unix() != 1700003600 {
		t.Errorf("expires = %v", res.ExpiresAt)
	}
}

func TestIntrospectAudienceArray(t *testing.T) {
	i := newIntrospector(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":true,"sub":"alice","aud":["datagate","other"]}`))
	})

	res, err := i.Introspect(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if len(res.Audience) != 2 {
		t.Errorf("audience = %v", res.Audience)
	}
}

func TestIntrospectInactive(t *testing.T) {
	i := newIntrospector(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":false}`))
	})

	res, err := i.Introspect(context.Background(), "expired")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if res.Active {
		t.Error("inactive token reported active")
	}
}

func TestIntrospectServerError(t *testing.T) {
	i := newIntrospector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := i.Introspect(context.Background(), "tok-1"); err == nil {
		t.Fatal("non-200 introspection response accepted")
	}
}
