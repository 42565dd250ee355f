package cookiejar

import (
	"strings"
	"testing"
	"time"
)

func TestSetCookieAndMatch(t *testing.T) {
	j := New()
	if err := j.SetCookie("db.example.com", "session=abc123; Path=/sync; Secure", false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := j.CookiesFor("db.example.com", "/sync/changes", true); got != "session=abc123" {
		t.Fatalf("cookies = %q, want session=abc123", got)
	}
	if got := j.CookiesFor("db.example.com", "/sync", false); got != "" {
		t.Fatalf("secure cookie sent over insecure channel: %q", got)
	}
	if got := j.CookiesFor("db.example.com", "/other", true); got != "" {
		t.Fatalf("path mismatch still matched: %q", got)
	}
	if got := j.CookiesFor("other.example.com", "/sync", true); got != "" {
		t.Fatalf("domain mismatch still matched: %q", got)
	}
}

func TestDomainValidation(t *testing.T) {
	j := New()

	// Parent domain of the source host: valid.
	if err := j.SetCookie("db.example.com", "a=1; Domain=example.com", false); err != nil {
		t.Fatalf("parent domain rejected: %v", err)
	}
	if got := j.CookiesFor("other.example.com", "/", false); got != "a=1" {
		t.Fatalf("parent-domain cookie not shared: %q", got)
	}

	// Unrelated domain: rejected.
	if err := j.SetCookie("db.example.com", "b=2; Domain=evil.com", false); err == nil {
		t.Fatalf("unrelated domain accepted")
	}

	// Child domain of the source host: rejected unless acceptParentDomain.
	if err := j.SetCookie("example.com", "c=3; Domain=db.example.com", false); err == nil {
		t.Fatalf("child domain accepted without acceptParentDomain")
	}
	if err := j.SetCookie("example.com", "c=3; Domain=db.example.com", true); err != nil {
		t.Fatalf("acceptParentDomain rejected: %v", err)
	}
}

func TestLegacyDateFormats(t *testing.T) {
	cases := []string{
		"x=1; Expires=Wed, 09 Jun 2100 10:18:14 GMT", // RFC 1123
		"x=1; Expires=Wed, 09-Jun-2100 10:18:14 GMT", // dash date
		"x=1; Expires=Wed Jun  9 10:18:14 2100",      // asctime
	}
	for _, h := range cases {
		j := New()
		if err := j.SetCookie("h.example", h, false); err != nil {
			t.Fatalf("set %q: %v", h, err)
		}
		j.mu.Lock()
		exp := j.cookies[0].Expires
		j.mu.Unlock()
		if exp.IsZero() || exp.Year() != 2100 {
			t.Fatalf("expiry not parsed from %q: %v", h, exp)
		}
	}
}

func TestMaxAgeAndExpiry(t *testing.T) {
	j := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return base }
	if err := j.SetCookie("h.example", "short=1; Max-Age=60", false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := j.CookiesFor("h.example", "/", false); got != "short=1" {
		t.Fatalf("cookie missing before expiry: %q", got)
	}
	j.now = func() time.Time { return base.Add(2 * time.Minute) }
	if got := j.CookiesFor("h.example", "/", false); got != "" {
		t.Fatalf("expired cookie still served: %q", got)
	}
	if j.Len() != 0 {
		t.Fatalf("expired cookie still stored")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	j := New()
	j.SetCookie("a.example", "k1=v1; Path=/p; Secure", false)
	j.SetCookie("b.example", "k2=v2; Max-Age=3600", false)
	data := j.Marshal()

	j2 := New()
	if err := j2.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if j2.Len() != 2 {
		t.Fatalf("round-trip lost cookies: %d", j2.Len())
	}
	if got := j2.CookiesFor("a.example", "/p", true); got != "k1=v1" {
		t.Fatalf("restored cookie = %q", got)
	}
	if !strings.Contains(string(data), "k2\tv2") {
		t.Fatalf("persistence format not plain text: %q", data)
	}
}
