// Package auth signs Accurate API requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
)

// TimestampLayout is the dd/mm/yyyy HH:MM:SS form the server signs against
const TimestampLayout = "02/01/2006 15:04:05"

const (
	HeaderAuthorization = "Authorization"
	HeaderTimestamp     = "X-Api-Timestamp"
	HeaderSignature     = "X-Api-Signature"
)

// WIB is Western Indonesia Time, the zone the server checks timestamps in
var WIB = time.FixedZone("WIB", 7*60*60)

// LoadLocation resolves a zone name, falling back to the fixed WIB offset
// when tzdata is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return WIB
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return WIB
	}
	return loc
}

// Signer derives the auth headers for each request. It holds no mutable state.
type Signer struct {
	cred model.Credential
	loc  *time.Location
	now  func() time.Time
}

// NewSigner fails fast on a missing token or secret
func NewSigner(cred model.Credential, loc *time.Location) (*Signer, error) {
	if cred.Empty() {
		return nil, pullerr.Fatal("new signer", pullerr.ErrMissingCredential)
	}
	if loc == nil {
		loc = WIB
	}
	return &Signer{cred: cred, loc: loc, now: time.Now}, nil
}

// WithClock swaps the wall clock, for tests
func (s *Signer) WithClock(now func() time.Time) *Signer {
	cp := *s
	cp.now = now
	return &cp
}

// Sign formats t in the signer's zone and HMACs it with the secret
func (s *Signer) Sign(t time.Time) model.RequestSignature {
	ts := t.In(s.loc).Format(TimestampLayout)
	mac := hmac.New(sha256.New, []byte(s.cred.SignatureSecret))
	mac.Write([]byte(ts))
	return model.RequestSignature{
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// Headers signs the current time
func (s *Signer) Headers() (http.Header, error) {
	sig := s.Sign(s.now())
	if err := ValidateTimestamp(sig.Timestamp); err != nil {
		return nil, err
	}
	h := make(http.Header, 3)
	h.Set(HeaderAuthorization, "Bearer "+s.cred.APIToken)
	h.Set(HeaderTimestamp, sig.Timestamp)
	h.Set(HeaderSignature, sig.Signature)
	return h, nil
}

// Apply sets the auth headers on req
func (s *Signer) Apply(req *http.Request) error {
	h, err := s.Headers()
	if err != nil {
		return err
	}
	for k, v := range h {
		req.Header[k] = v
	}
	return nil
}

// ValidateTimestamp checks that ts round-trips through TimestampLayout.
// A mismatch would make the server reject every request, so it is fatal.
func ValidateTimestamp(ts string) error {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil || t.Format(TimestampLayout) != ts {
		return pullerr.Fatal("sign request", fmt.Errorf("%w: %q", pullerr.ErrBadTimestamp, ts))
	}
	return nil
}
