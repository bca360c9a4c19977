package signing

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func newSigner() *Signer { return New("test-signing-secret-32-bytes-ok!") }

func TestSign_Verify_HappyPath(t *testing.T) {
	s := newSigner()
	g := s.Sign("ep-42", "user-1", time.Now().Add(time.Hour))
	if !s.Verify(g) {
		t.Fatal("expected Verify to return true for valid grant")
	}
}

func TestVerify_Expired(t *testing.T) {
	s := newSigner()
	g := s.Sign("ep-42", "user-1", time.Now().Add(-time.Hour))
	if s.Verify(g) {
		t.Fatal("expected Verify to return false for expired grant")
	}
}

func TestVerify_OtherEpisode(t *testing.T) {
	s := newSigner()
	g := s.Sign("ep-42", "user-1", time.Now().Add(time.Hour))
	g.EpisodeID = "ep-43"
	if s.Verify(g) {
		t.Fatal("expected Verify to fail for a different episode")
	}
}

func TestVerify_OtherUser(t *testing.T) {
	s := newSigner()
	g := s.Sign("ep-42", "user-1", time.Now().Add(time.Hour))
	g.UserID = "user-2"
	if s.Verify(g) {
		t.Fatal("expected Verify to fail for a different user")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	g := newSigner().Sign("ep-42", "user-1", time.Now().Add(time.Hour))
	if New("another-secret").Verify(g) {
		t.Fatal("expected Verify to fail with wrong secret")
	}
}

func TestBuildPlaybackURL_RoundTrip(t *testing.T) {
	s := newSigner()
	g := s.Sign("ep-42", "user-1", time.Now().Add(time.Hour))

	raw, err := BuildPlaybackURL("https://play.cinemax.tv/watch", g)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := ExtractGrant(u.Query())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !s.Verify(got) {
		t.Fatal("expected extracted grant to verify")
	}
}

func TestExtractGrant_Missing(t *testing.T) {
	_, err := ExtractGrant(url.Values{"episode": {"ep-42"}})
	if !errors.Is(err, ErrMissingGrant) {
		t.Fatalf("expected ErrMissingGrant, got %v", err)
	}
}

func TestExtractGrant_BadExp(t *testing.T) {
	_, err := ExtractGrant(url.Values{"episode": {"ep-42"}, "uid": {"u"}, "exp": {"soon"}, "sig": {"x"}})
	if err == nil {
		t.Fatal("expected error for non-numeric exp")
	}
}
