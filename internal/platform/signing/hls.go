// Package signing issues and checks HMAC-signed manifest URLs bound to a viewer.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingParams = errors.New("signing: missing signed params")
	ErrExpired       = errors.New("signing: url expired")
	ErrBadSignature  = errors.New("signing: bad signature")
)

type Signer struct {
	Secret []byte
	Now    func() time.Time
}

type Signed struct {
	URL string
	Exp int64
	UID string
	Sig string
}

func New(secret string) *Signer {
	return &Signer{Secret: []byte(secret), Now: time.Now}
}

func (s *Signer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Signer) Sign(rawURL, viewerID string, exp time.Time) Signed {
	sig := s.signValue(rawURL, viewerID, exp.Unix())
	return Signed{URL: rawURL, Exp: exp.Unix(), UID: viewerID, Sig: sig}
}

func (s *Signer) Verify(rawURL, viewerID string, exp int64, sig string) bool {
	if s.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.signValue(rawURL, viewerID, exp)))
}

// SignURL wraps rawURL into a proxy URL under base that stays valid for ttl.
func (s *Signer) SignURL(base, rawURL, viewerID string, ttl time.Duration) (string, error) {
	return BuildSignedURL(base, s.Sign(rawURL, viewerID, s.now().Add(ttl)))
}

// VerifyQuery checks the signed parameters in q and returns the wrapped URL and viewer.
func (s *Signer) VerifyQuery(q url.Values) (string, string, error) {
	rawURL, uid, exp, sig, err := ExtractSigned(q)
	if err != nil {
		return "", "", err
	}
	if s.now().Unix() > exp {
		return "", "", ErrExpired
	}
	if !hmac.Equal([]byte(sig), []byte(s.signValue(rawURL, uid, exp))) {
		return "", "", ErrBadSignature
	}
	return rawURL, uid, nil
}

func (s *Signer) signValue(rawURL, viewerID string, exp int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(rawURL))
	mac.Write([]byte("|"))
	mac.Write([]byte(viewerID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func BuildSignedURL(base string, signed Signed) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("url", signed.URL)
	q.Set("exp", strconv.FormatInt(signed.Exp, 10))
	q.Set("uid", signed.UID)
	q.Set("sig", signed.Sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func ExtractSigned(query url.Values) (string, string, int64, string, error) {
	rawURL := strings.TrimSpace(query.Get("url"))
	uid := strings.TrimSpace(query.Get("uid"))
	expStr := strings.TrimSpace(query.Get("exp"))
	sig := strings.TrimSpace(query.Get("sig"))
	if rawURL == "" || uid == "" || expStr == "" || sig == "" {
		return "", "", 0, "", ErrMissingParams
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", "", 0, "", err
	}
	return rawURL, uid, exp, sig, nil
}
