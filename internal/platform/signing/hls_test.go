package signing

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func newSigner() *Signer { return New("test-signing-secret-32-bytes-ok!") }

const testStreamURL = "https://cdn.example.com/videos/v1/master.m3u8"

func TestSign_Verify_HappyPath(t *testing.T) {
	s := newSigner()
	exp := time.Now().Add(time.Hour)

	signed := s.Sign(testStreamURL, "viewer-1", exp)
	if !s.Verify(testStreamURL, "viewer-1", signed.Exp, signed.Sig) {
		t.Fatal("expected Verify to return true for valid signature")
	}
}

func TestVerify_Expired(t *testing.T) {
	s := newSigner()
	exp := time.Now().Add(-time.Hour)

	signed := s.Sign(testStreamURL, "viewer-1", exp)
	if s.Verify(testStreamURL, "viewer-1", signed.Exp, signed.Sig) {
		t.Fatal("expected Verify to return false for expired signature")
	}
}

func TestVerify_TamperedURL(t *testing.T) {
	s := newSigner()
	exp := time.Now().Add(time.Hour)
	signed := s.Sign("https://cdn.example.com/ep1", "viewer-1", exp)

	if s.Verify("https://cdn.example.com/ep2", "viewer-1", signed.Exp, signed.Sig) {
		t.Fatal("expected Verify to fail for tampered URL")
	}
}

func TestVerify_TamperedUserID(t *testing.T) {
	s := newSigner()
	exp := time.Now().Add(time.Hour)
	signed := s.Sign("https://cdn.example.com/ep1", "viewer-1", exp)

	if s.Verify("https://cdn.example.com/ep1", "viewer-2", signed.Exp, signed.Sig) {
		t.Fatal("expected Verify to fail for different user")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	s1 := newSigner()
	s2 := New("different-secret-32-bytes-padded!!")
	exp := time.Now().Add(time.Hour)

	signed := s1.Sign("https://cdn.example.com/ep1", "viewer-1", exp)
	if s2.Verify("https://cdn.example.com/ep1", "viewer-1", signed.Exp, signed.Sig) {
		t.Fatal("expected Verify to fail with different secret")
	}
}

func TestBuildSignedURL_ExtractSigned_Roundtrip(t *testing.T) {
	s := newSigner()
	rawURL := testStreamURL
	exp := time.Now().Add(time.Hour)
	signed := s.Sign(rawURL, "viewer-42", exp)

	proxyURL, err := BuildSignedURL("https://proxy.example.com/hls", signed)
	if err != nil {
		t.Fatalf("BuildSignedURL: %v", err)
	}

	u, _ := url.Parse(proxyURL)
	extractedURL, extractedUID, extractedExp, extractedSig, err := ExtractSigned(u.Query())
	if err != nil {
		t.Fatalf("ExtractSigned: %v", err)
	}

	if extractedURL != rawURL {
		t.Fatalf("expected URL %q, got %q", rawURL, extractedURL)
	}
	if extractedUID != "viewer-42" {
		t.Fatalf("expected uid 'viewer-42', got %q", extractedUID)
	}
	if extractedExp != signed.Exp {
		t.Fatalf("expected exp %d, got %d", signed.Exp, extractedExp)
	}
	if !s.Verify(extractedURL, extractedUID, extractedExp, extractedSig) {
		t.Fatal("extracted signature should verify successfully")
	}
}

func TestExtractSigned_MissingParams(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
	}{
		{"missing url", url.Values{"uid": {"u"}, "exp": {"1"}, "sig": {"s"}}},
		{"missing uid", url.Values{"url": {"u"}, "exp": {"1"}, "sig": {"s"}}},
		{"missing exp", url.Values{"url": {"u"}, "uid": {"u"}, "sig": {"s"}}},
		{"missing sig", url.Values{"url": {"u"}, "uid": {"u"}, "exp": {"1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := ExtractSigned(tt.values)
			if err == nil {
				t.Fatal("expected error for missing param")
			}
		})
	}
}

func TestSignURL_VerifyQuery(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newSigner()
	s.Now = func() time.Time { return now }

	signedURL, err := s.SignURL("https://proxy.example.com/hls", testStreamURL, "viewer-9", 10*time.Minute)
	if err != nil {
		t.Fatalf("SignURL: %v", err)
	}
	u, _ := url.Parse(signedURL)

	rawURL, uid, err := s.VerifyQuery(u.Query())
	if err != nil {
		t.Fatalf("VerifyQuery: %v", err)
	}
	if rawURL != testStreamURL || uid != "viewer-9" {
		t.Fatalf("unexpected verify result: %q %q", rawURL, uid)
	}

	now = now.Add(11 * time.Minute)
	if _, _, err := s.VerifyQuery(u.Query()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after ttl, got %v", err)
	}
}

func TestVerifyQuery_BadSignature(t *testing.T) {
	s := newSigner()
	signedURL, _ := s.SignURL("https://proxy.example.com/hls", testStreamURL, "viewer-9", time.Hour)
	u, _ := url.Parse(signedURL)
	q := u.Query()
	q.Set("uid", "viewer-10")

	if _, _, err := s.VerifyQuery(q); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyQuery_MissingParams(t *testing.T) {
	if _, _, err := newSigner().VerifyQuery(url.Values{}); !errors.Is(err, ErrMissingParams) {
		t.Fatalf("expected ErrMissingParams, got %v", err)
	}
}
