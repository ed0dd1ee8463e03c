package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

func tokenServer(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("code") == "bad" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		body := `{"access_token":"at","token_type":"Bearer","expires_in":3600`
		if idToken != "" {
			body += `,"id_token":"` + idToken + `"`
		}
		_, _ = w.Write([]byte(body + "}"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signIn(srv *httptest.Server, claims map[string]interface{}, domains ...string) *GoogleSignIn {
	cfg := NewGoogleProvider(OAuthConfig{ClientID: "client-1", ClientSecret: "secret", RedirectURL: "http://localhost/cb"})
	cfg.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}
	return NewGoogleSignIn(cfg, NewDomainPolicy(domains)).WithValidator(
		func(ctx context.Context, raw, audience string) (*idtoken.Payload, error) {
			if raw != "signed" || audience != "client-1" {
				return nil, errors.New("bad token")
			}
			return &idtoken.Payload{Audience: audience, Claims: claims}, nil
		})
}

func TestGoogleSignInAuthCodeURL(t *testing.T) {
	srv := tokenServer(t, "signed")
	g := signIn(srv, nil, "geekroom.in")

	u, err := url.Parse(g.AuthCodeURL("state-123"))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if q.Get("prompt") != "select_account" || q.Get("state") != "state-123" || q.Get("client_id") != "client-1" {
		t.Fatalf("unexpected auth url query: %v", q)
	}
}

func TestGoogleSignInExchange(t *testing.T) {
	srv := tokenServer(t, "signed")
	g := signIn(srv, map[string]interface{}{"email": "ada@geekroom.in", "email_verified": true}, "geekroom.in")

	email, err := g.Exchange(context.Background(), "good")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if email != "ada@geekroom.in" {
		t.Fatalf("unexpected email %q", email)
	}
}

func TestGoogleSignInRejects(t *testing.T) {
	cases := []struct {
		name    string
		idToken string
		claims  map[string]interface{}
		code    string
		forbid  bool
		email   string
	}{
		{name: "other domain", idToken: "signed", claims: map[string]interface{}{"email": "eve@evil.com", "email_verified": true}, code: "good", forbid: true, email: "eve@evil.com"},
		{name: "unverified", idToken: "signed", claims: map[string]interface{}{"email": "ada@geekroom.in", "email_verified": false}, code: "good", forbid: true},
		{name: "no email", idToken: "signed", claims: map[string]interface{}{}, code: "good", forbid: true},
		{name: "bad signature", idToken: "forged", claims: nil, code: "good"},
		{name: "missing id token", idToken: "", claims: nil, code: "good"},
		{name: "bad code", idToken: "signed", claims: nil, code: "bad"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := tokenServer(t, tc.idToken)
			g := signIn(srv, tc.claims, "geekroom.in")
			email, err := g.Exchange(context.Background(), tc.code)
			if err == nil {
				t.Fatalf("expected error")
			}
			if email != tc.email {
				t.Fatalf("email = %q, want %q", email, tc.email)
			}
			if errors.Is(err, ErrForbidden) != tc.forbid {
				t.Fatalf("ErrForbidden=%v, want %v (err=%v)", errors.Is(err, ErrForbidden), tc.forbid, err)
			}
		})
	}
}

func TestDomainPolicy(t *testing.T) {
	p := NewDomainPolicy([]string{" GeekRoom.in ", "@example.org", ""})
	cases := map[string]bool{
		"ada@geekroom.in":          true,
		"ADA@GEEKROOM.IN":          true,
		"Ada <ada@geekroom.in>":    true,
		"bob@example.org":          true,
		"eve@sub.geekroom.in":      false,
		"eve@geekroom.in.evil.com": false,
		"eve@notgeekroom.in":       false,
		"not-an-address":           false,
		"":                         false,
	}
	for email, want := range cases {
		if got := p.IsAuthorized(email); got != want {
			t.Errorf("IsAuthorized(%q) = %v, want %v", email, got, want)
		}
	}
	if NewDomainPolicy(nil).IsAuthorized("ada@geekroom.in") {
		t.Fatalf("empty policy must admit nobody")
	}
}
