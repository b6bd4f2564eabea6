package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpair/classpair/internal/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.Config{Level: "disabled", Output: "stderr"})
	m.Run()
}

func testDevice() DeviceInfo {
	return DeviceInfo{DeviceID: "cp_host01", DeviceName: "Staff Laptop"}
}

func TestCreateSession(t *testing.T) {
	m := NewManager()

	sess, err := m.CreateSession(testDevice(), "192.168.1.20", 8765)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, sess.Status)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, sess.ID, sess.Offer.SessionID)
	assert.Equal(t, "192.168.1.20", sess.Offer.IPAddress)
	assert.Equal(t, 8765, sess.Offer.Port)
	assert.Equal(t, AppVersion, sess.Offer.AppVersion)
	assert.Equal(t, "cp_host01", sess.Offer.DeviceID)
	assert.Len(t, sess.Offer.Checksum, ChecksumLength)
	assert.WithinDuration(t, sess.CreatedAt.Add(SessionTTL), sess.ExpiresAt, time.Second)

	require.NotNil(t, sess.KeyPair)
	assert.Equal(t, sess.KeyPair.PublicKey, sess.Offer.PublicKey)
}

func TestCreateSession_EphemeralKeys(t *testing.T) {
	m := NewManager()

	s1, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)
	s2, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)

	assert.NotEqual(t, s1.KeyPair.PublicKey, s2.KeyPair.PublicKey)
	assert.NotEqual(t, s1.ID, s2.ID)
}

func TestCreateSession_RequiresDeviceID(t *testing.T) {
	m := NewManager()

	_, err := m.CreateSession(DeviceInfo{}, "10.0.0.1", 8765)
	assert.Error(t, err)
}

func TestCreateSession_ConfiguredTTL(t *testing.T) {
	created := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m := NewManager().WithClock(func() time.Time { return created }).WithTTL(90 * time.Second)

	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)

	assert.Equal(t, created.Add(90*time.Second), sess.ExpiresAt)
	assert.Equal(t, created.Add(90*time.Second).UnixMilli(), sess.Offer.ExpiresAt)

	// Non-positive overrides keep the default lifetime.
	fallback := NewManager().WithClock(func() time.Time { return created }).WithTTL(0)
	sess, err = fallback.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)
	assert.Equal(t, created.Add(SessionTTL), sess.ExpiresAt)
}

func TestQR_RoundTrip(t *testing.T) {
	m := NewManager()
	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)

	encoded, err := EncodeQR(&sess.Offer)
	require.NoError(t, err)
	assert.True(t, len(encoded) > len(QRPrefix))

	decoded, err := DecodeQR(encoded)
	require.NoError(t, err)
	assert.Equal(t, sess.Offer, *decoded)
}

func TestDecodeQR_Rejects(t *testing.T) {
	cases := []string{
		"",
		"QR:abcdef",
		"P2P:!!!not-base64!!!",
		"P2P:bm90IGpzb24=", // valid base64, not JSON
	}
	for _, raw := range cases {
		_, err := DecodeQR(raw)
		assert.Error(t, err, "input %q", raw)
	}
}

func TestValidate_Accepts(t *testing.T) {
	m := NewManager()
	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)
	encoded, err := EncodeQR(&sess.Offer)
	require.NoError(t, err)

	result := m.Validate(encoded)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Err)
	require.NotNil(t, result.Offer)
	assert.Equal(t, sess.ID, result.Offer.SessionID)
}

func TestValidate_ChecksumTamper(t *testing.T) {
	m := NewManager()
	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)

	tampered := sess.Offer
	tampered.Port = 9999
	encoded, err := EncodeQR(&tampered)
	require.NoError(t, err)

	result := m.Validate(encoded)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Err, "checksum")
}

func TestValidate_MissingFields(t *testing.T) {
	m := NewManager()
	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)

	broken := sess.Offer
	broken.PublicKey = ""
	encoded, err := EncodeQR(&broken)
	require.NoError(t, err)

	result := m.Validate(encoded)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Err, "publicKey")
}

func TestValidate_Expiry(t *testing.T) {
	// An offer scanned 6 minutes after creation must be rejected; at 4
	// minutes it is still valid.
	created := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	clock := created
	m := NewManager().WithClock(func() time.Time { return clock })

	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)
	encoded, err := EncodeQR(&sess.Offer)
	require.NoError(t, err)

	clock = created.Add(4 * time.Minute)
	assert.True(t, m.Validate(encoded).Valid)
	assert.Equal(t, time.Minute, m.RemainingTime(&sess.Offer))

	clock = created.Add(6 * time.Minute)
	result := m.Validate(encoded)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Err, "expired")
	assert.Equal(t, time.Duration(0), m.RemainingTime(&sess.Offer))
}

func TestValidate_MajorVersionMismatch(t *testing.T) {
	host := &Manager{appVersion: "2.0.0", now: time.Now, logger: logger.GetLogger().Pairing()}
	sess, err := host.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)
	encoded, err := EncodeQR(&sess.Offer)
	require.NoError(t, err)

	result := NewManager().Validate(encoded)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Err, "incompatible app version")
}

func TestValidate_MinorDriftWarnsOnly(t *testing.T) {
	host := &Manager{appVersion: "1.9.0", now: time.Now, logger: logger.GetLogger().Pairing()}
	sess, err := host.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)
	encoded, err := EncodeQR(&sess.Offer)
	require.NoError(t, err)

	result := NewManager().Validate(encoded)

	assert.True(t, result.Valid, "minor drift never rejects")
}

func TestValidate_InvalidVersionString(t *testing.T) {
	m := NewManager()
	sess, err := m.CreateSession(testDevice(), "10.0.0.1", 8765)
	require.NoError(t, err)

	broken := sess.Offer
	broken.AppVersion = "not-a-version"
	broken.Checksum = ""
	// Recompute the checksum so only the version check can fail.
	broken.Checksum = offerChecksum(&broken)
	encoded, err := EncodeQR(&broken)
	require.NoError(t, err)

	result := m.Validate(encoded)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Err, "invalid app version")
}

func TestIsExpired(t *testing.T) {
	clock := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m := NewManager().WithClock(func() time.Time { return clock })

	offer := &OfferData{ExpiresAt: clock.Add(time.Minute).UnixMilli()}
	assert.False(t, m.IsExpired(offer))

	offer.ExpiresAt = clock.Add(-time.Millisecond).UnixMilli()
	assert.True(t, m.IsExpired(offer))
}

func TestLocalIP_NeverEmpty(t *testing.T) {
	assert.NotEmpty(t, LocalIP())
}
