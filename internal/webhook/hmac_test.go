package webhook

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/core"
)

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"asset_name":"web-01","signature":"disk_full"}`)
	now := int64(1_750_000_000)

	sig := Signature("secret-1", now, body)
	assert.Contains(t, sig, "sha256=")

	err := VerifySignature("secret-1", strconv.FormatInt(now, 10), sig, body, 300, now)
	assert.NoError(t, err)
}

func TestVerifySignatureRejections(t *testing.T) {
	body := []byte(`{"asset_name":"web-01"}`)
	now := int64(1_750_000_000)
	good := Signature("secret-1", now, body)

	cases := []struct {
		name      string
		timestamp string
		signature string
		body      []byte
		at        int64
	}{
		{"missing timestamp", "", good, body, now},
		{"missing signature", strconv.FormatInt(now, 10), "", body, now},
		{"malformed timestamp", "yesterday", good, body, now},
		{"stale timestamp", strconv.FormatInt(now-301, 10), Signature("secret-1", now-301, body), body, now},
		{"future timestamp", strconv.FormatInt(now+301, 10), Signature("secret-1", now+301, body), body, now},
		{"wrong secret", strconv.FormatInt(now, 10), Signature("other", now, body), body, now},
		{"tampered body", strconv.FormatInt(now, 10), good, []byte(`{"asset_name":"web-02"}`), now},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature("secret-1", tc.timestamp, tc.signature, tc.body, 300, tc.at)
			require.Error(t, err)
			assert.Equal(t, core.KindUnauthorized, core.KindOf(err))
		})
	}
}

func TestVerifySignatureSkewBoundary(t *testing.T) {
	body := []byte(`{}`)
	now := int64(1_750_000_000)

	// Exactly at the tolerance edge is still accepted.
	sig := Signature("s", now-300, body)
	assert.NoError(t, VerifySignature("s", strconv.FormatInt(now-300, 10), sig, body, 300, now))

	sig = Signature("s", now+300, body)
	assert.NoError(t, VerifySignature("s", strconv.FormatInt(now+300, 10), sig, body, 300, now))
}

func TestDedupKeyShape(t *testing.T) {
	p := AlertPayload{AssetName: "web-01", Signature: "disk_full", Message: "90%"}

	withID := p
	withID.DeliveryID = "dlv-42"
	assert.Equal(t, "d:dlv-42", DedupKey("acme", withID, []byte("x")))

	// Fingerprint keys are stable and tenant-scoped.
	k1 := DedupKey("acme", p, []byte(`{"a":1}`))
	k2 := DedupKey("acme", p, []byte(`{"a":1}`))
	k3 := DedupKey("globex", p, []byte(`{"a":1}`))
	k4 := DedupKey("acme", p, []byte(`{"a":2}`))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}
