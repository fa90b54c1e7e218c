package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
)

func TestSignFormatsInWIB(t *testing.T) {
	s, err := NewSigner(model.Credential{APIToken: "tok", SignatureSecret: "sekret"}, WIB)
	require.NoError(t, err)

	// 2024-03-05 17:04:09 UTC is 00:04:09 the next day in WIB.
	at := time.Date(2024, 3, 5, 17, 4, 9, 0, time.UTC)
	sig := s.Sign(at)
	assert.Equal(t, "06/03/2024 00:04:09", sig.Timestamp)

	mac := hmac.New(sha256.New, []byte("sekret"))
	mac.Write([]byte("06/03/2024 00:04:09"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sig.Signature)
}

func TestApplySetsHeaders(t *testing.T) {
	s, err := NewSigner(model.Credential{APIToken: "tok", SignatureSecret: "sekret"}, nil)
	require.NoError(t, err)
	fixed := time.Date(2025, 12, 31, 16, 59, 59, 0, time.UTC)
	s = s.WithClock(func() time.Time { return fixed })

	req, err := http.NewRequest(http.MethodGet, "https://example.invalid/accurate/api/item/list.do", nil)
	require.NoError(t, err)
	require.NoError(t, s.Apply(req))

	assert.Equal(t, "Bearer tok", req.Header.Get(HeaderAuthorization))
	assert.Equal(t, "31/12/2025 23:59:59", req.Header.Get(HeaderTimestamp))
	assert.Equal(t, s.Sign(fixed).Signature, req.Header.Get(HeaderSignature))
}

func TestNewSignerRequiresCredentials(t *testing.T) {
	_, err := NewSigner(model.Credential{APIToken: "tok"}, WIB)
	require.Error(t, err)
	assert.True(t, pullerr.IsFatal(err))
	assert.ErrorIs(t, err, pullerr.ErrMissingCredential)
}

func TestValidateTimestamp(t *testing.T) {
	assert.NoError(t, ValidateTimestamp("01/02/2024 03:04:05"))
	for _, bad := range []string{"2024-02-01 03:04:05", "1/2/2024 03:04:05", "01/02/2024"} {
		err := ValidateTimestamp(bad)
		assert.True(t, pullerr.IsFatal(err), bad)
		assert.ErrorIs(t, err, pullerr.ErrBadTimestamp, bad)
	}
}

func TestCredentialNeverPrinted(t *testing.T) {
	c := model.Credential{APIToken: "tok-123", SignatureSecret: "sekret-456"}
	assert.NotContains(t, c.String(), "tok-123")
	assert.Equal(t, "redacted", c.LogValue().String())
}
