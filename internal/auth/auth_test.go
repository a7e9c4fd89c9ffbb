package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNilAuthorizerAllowsEveryone(t *testing.T) {
	a := New("")
	if a != nil {
		t.Fatal("expected a nil authorizer")
	}
	if _, err := a.Authorize(httptest.NewRequest("GET", "/doc", nil), "/doc"); err != nil {
		t.Fatal(err)
	}
}

func TestAuthorize(t *testing.T) {
	a := New("secret")
	token, err := a.Sign(Claims{Uid: "ann", Documents: []string{"/team/"}}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/team/notes?token="+token, nil)
	uid, err := a.Authorize(r, "/team/notes")
	if err != nil || uid != "ann" {
		t.Fatalf("got %q, %v", uid, err)
	}

	r = httptest.NewRequest("GET", "/team/notes", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if _, err := a.Authorize(r, "/team/notes"); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Authorize(r, "/private"); err == nil {
		t.Fatal("expected a prefix mismatch to be refused")
	}

	r = httptest.NewRequest("GET", "/team/notes", nil)
	if _, err := a.Authorize(r, "/team/notes"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("got %v, want ErrNoToken", err)
	}
}

func TestRejectsForeignAndExpiredTokens(t *testing.T) {
	a := New("secret")
	foreign, _ := New("other").Sign(Claims{Uid: "eve"}, time.Hour)
	expired, _ := a.Sign(Claims{Uid: "ann"}, -time.Minute)

	for _, token := range []string{foreign, expired, "garbage"} {
		r := httptest.NewRequest("GET", "/doc?token="+token, nil)
		if _, err := a.Authorize(r, "/doc"); err == nil {
			t.Fatalf("token %q was accepted", token)
		}
	}
}
