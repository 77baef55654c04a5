package identity

import (
	"testing"

	"intunesync/internal/fingerprint"
	"intunesync/pkg/records"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestResolveReusesValidID(t *testing.T) {
	t.Parallel()

	const raw = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	res := NewResolver(nil, nil).Resolve(records.Record{"id": raw, "serialNumber": "ABC"})

	assert.Equal(t, Reused, res.Source)
	assert.Equal(t, raw, res.ID.String())
	assert.NotEmpty(t, res.Fingerprint)
}

func TestResolveReusedIDDoesNotWarn(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)
	r := NewResolver(fingerprint.New(log), log)

	// A user record: valid id, none of the device tiers.
	res := r.Resolve(records.Record{"id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "userPrincipalName": "a@contoso.com"})
	assert.Equal(t, Reused, res.Source)
	assert.Equal(t, fingerprint.New(nil).Sum(records.Record{}), res.Fingerprint)
	assert.Equal(t, 0, logs.Len())

	res = r.Resolve(records.Record{"userPrincipalName": "a@contoso.com"})
	assert.Equal(t, Derived, res.Source)
	assert.Equal(t, 1, logs.Len())
}

func TestResolveFallsBackToUUIDField(t *testing.T) {
	t.Parallel()

	const raw = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	res := NewResolver(nil, nil).Resolve(records.Record{"id": "not-a-uuid", "uuid": raw})

	assert.Equal(t, Reused, res.Source)
	assert.Equal(t, raw, res.ID.String())
}

func TestResolveDerivesWhenIDMalformed(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, nil)
	rec := records.Record{"id": "device-42", "serialNumber": "ABC123"}

	res := r.Resolve(rec)
	assert.Equal(t, Derived, res.Source)
	assert.Equal(t, FromFingerprint(res.Fingerprint), res.ID)

	// Non-string ids are ignored too.
	res2 := r.Resolve(records.Record{"id": 42, "serialNumber": "ABC123"})
	assert.Equal(t, res.ID, res2.ID)
}

func TestDerivedIdentityIsStable(t *testing.T) {
	t.Parallel()

	a := NewResolver(nil, nil).Resolve(records.Record{"serialNumber": "ABC123", "lastSyncDateTime": "a"})
	b := NewResolver(fingerprint.New(nil), nil).Resolve(records.Record{"serialNumber": "ABC123", "lastSyncDateTime": "b"})
	assert.Equal(t, a.ID, b.ID)
}

func TestFromFingerprintShape(t *testing.T) {
	t.Parallel()

	for _, fp := range []string{"", "abc", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"} {
		id := FromFingerprint(fp)
		require.Equal(t, uuid.Version(4), id.Version(), "fp=%q", fp)
		require.Equal(t, uuid.RFC4122, id.Variant(), "fp=%q", fp)
		require.Equal(t, id, FromFingerprint(fp))
	}
	assert.NotEqual(t, FromFingerprint("a"), FromFingerprint("b"))
}
