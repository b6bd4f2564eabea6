// Package pairing creates and validates the short-lived connection offers a
// hosting device hands to a joining device out-of-band, typically rendered
// as a QR code.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/classpair/classpair/internal/logger"
	"github.com/classpair/classpair/pkg/crypto"
)

const (
	// QRPrefix marks an encoded pairing offer.
	QRPrefix = "P2P:"

	// SessionTTL is the default lifetime of a pairing offer.
	SessionTTL = 5 * time.Minute

	// ChecksumLength is the number of hex characters kept from the offer
	// digest.
	ChecksumLength = 16

	// AppVersion is the protocol-compatibility version embedded in offers.
	// Peers with a different major version refuse to pair.
	AppVersion = "1.2.0"
)

// SessionStatus tracks the lifecycle of an outstanding offer.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusConnected SessionStatus = "connected"
	StatusExpired   SessionStatus = "expired"
)

// OfferData is the encodable content of a pairing offer. ExpiresAt is Unix
// milliseconds. Checksum covers all other fields in a fixed order.
type OfferData struct {
	SessionID  string `json:"sessionId"`
	IPAddress  string `json:"ipAddress"`
	Port       int    `json:"port"`
	ExpiresAt  int64  `json:"expiresAt"`
	PublicKey  string `json:"publicKey"`
	AppVersion string `json:"appVersion"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Checksum   string `json:"checksum"`
}

// Session is one outstanding offer to pair, held by the hosting side. The
// keypair is ephemeral and distinct from the device's permanent keypair, so
// a leaked offer exposes only this session.
type Session struct {
	ID        string
	KeyPair   *crypto.KeyPair
	Offer     OfferData
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    SessionStatus
	PeerID    string
	PeerName  string
}

// ValidationResult is the outcome of checking a scanned offer. Validation
// never panics; failures are reported through Err.
type ValidationResult struct {
	Valid bool
	Offer *OfferData
	Err   string
}

// DeviceInfo is the identity subset the pairing manager needs.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
}

// Manager creates and validates pairing sessions.
type Manager struct {
	logger     *logger.Logger
	appVersion string
	now        func() time.Time
	ttl        time.Duration
}

// NewManager creates a pairing manager.
func NewManager() *Manager {
	return &Manager{
		logger:     logger.GetLogger().Pairing(),
		appVersion: AppVersion,
		now:        time.Now,
		ttl:        SessionTTL,
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithTTL overrides how long created offers stay valid. Non-positive values
// keep the default.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// CreateSession generates a fresh ephemeral keypair and builds the offer a
// peer can use to connect. ipAddress may be empty; LocalIP is used then.
func (m *Manager) CreateSession(device DeviceInfo, ipAddress string, port int) (*Session, error) {
	if device.DeviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session keypair: %w", err)
	}

	if ipAddress == "" {
		ipAddress = LocalIP()
	}

	ttl := m.ttl
	if ttl <= 0 {
		ttl = SessionTTL
	}
	createdAt := m.now()
	expiresAt := createdAt.Add(ttl)

	offer := OfferData{
		SessionID:  uuid.NewString(),
		IPAddress:  ipAddress,
		Port:       port,
		ExpiresAt:  expiresAt.UnixMilli(),
		PublicKey:  keyPair.PublicKey,
		AppVersion: m.appVersion,
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
	}
	offer.Checksum = offerChecksum(&offer)

	m.logger.Info().
		Str("session_id", offer.SessionID).
		Str("ip", ipAddress).
		Int("port", port).
		Time("expires_at", expiresAt).
		Msg("Created pairing session")

	return &Session{
		ID:        offer.SessionID,
		KeyPair:   keyPair,
		Offer:     offer,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Status:    StatusPending,
	}, nil
}

// EncodeQR serializes an offer into its transferable text form.
func EncodeQR(offer *OfferData) (string, error) {
	data, err := json.Marshal(offer)
	if err != nil {
		return "", fmt.Errorf("failed to encode offer: %w", err)
	}
	return QRPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// DecodeQR reverses EncodeQR. Anything without the prefix is rejected.
func DecodeQR(raw string) (*OfferData, error) {
	if !strings.HasPrefix(raw, QRPrefix) {
		return nil, fmt.Errorf("not a pairing offer: missing %q prefix", QRPrefix)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, QRPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid offer encoding: %w", err)
	}

	var offer OfferData
	if err := json.Unmarshal(data, &offer); err != nil {
		return nil, fmt.Errorf("invalid offer content: %w", err)
	}
	return &offer, nil
}

// Validate runs the full acceptance chain on a scanned offer: decode,
// required fields, checksum, expiry, version compatibility. Minor-version
// drift greater than one logs a warning but does not reject.
func (m *Manager) Validate(raw string) ValidationResult {
	offer, err := DecodeQR(raw)
	if err != nil {
		return ValidationResult{Err: err.Error()}
	}

	if missing := missingField(offer); missing != "" {
		return ValidationResult{Err: fmt.Sprintf("offer is missing required field %q", missing)}
	}

	if offerChecksum(offer) != offer.Checksum {
		m.logger.Warn().Str("session_id", offer.SessionID).Msg("Offer checksum mismatch")
		return ValidationResult{Err: "offer checksum mismatch"}
	}

	if m.IsExpired(offer) {
		return ValidationResult{Err: "pairing offer has expired"}
	}

	if err := m.checkVersion(offer.AppVersion); err != nil {
		return ValidationResult{Err: err.Error()}
	}

	return ValidationResult{Valid: true, Offer: offer}
}

// IsExpired reports whether the offer's expiry has passed.
func (m *Manager) IsExpired(offer *OfferData) bool {
	return m.now().UnixMilli() > offer.ExpiresAt
}

// RemainingTime returns how long the offer stays valid, flooring at zero.
func (m *Manager) RemainingTime(offer *OfferData) time.Duration {
	remaining := time.UnixMilli(offer.ExpiresAt).Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// checkVersion enforces exact major-version equality and warns when minor
// versions drift by more than one.
func (m *Manager) checkVersion(offerVersion string) error {
	theirs, err := semver.NewVersion(offerVersion)
	if err != nil {
		return fmt.Errorf("offer has invalid app version %q", offerVersion)
	}
	ours, err := semver.NewVersion(m.appVersion)
	if err != nil {
		return fmt.Errorf("invalid local app version %q", m.appVersion)
	}

	if theirs.Major() != ours.Major() {
		return fmt.Errorf("incompatible app version %s (local %s)", offerVersion, m.appVersion)
	}

	minorDrift := int64(theirs.Minor()) - int64(ours.Minor())
	if minorDrift < 0 {
		minorDrift = -minorDrift
	}
	if minorDrift > 1 {
		m.logger.Warn().
			Str("offer_version", offerVersion).
			Str("local_version", m.appVersion).
			Msg("Large minor version drift between peers")
	}

	return nil
}

// offerChecksum digests all offer fields except the checksum itself, in a
// fixed concatenation order, truncated to ChecksumLength hex characters.
func offerChecksum(offer *OfferData) string {
	input := fmt.Sprintf("%s|%s|%d|%d|%s|%s|%s|%s",
		offer.SessionID,
		offer.IPAddress,
		offer.Port,
		offer.ExpiresAt,
		offer.PublicKey,
		offer.AppVersion,
		offer.DeviceID,
		offer.DeviceName,
	)
	return crypto.TruncatedChecksum([]byte(input), ChecksumLength)
}

func missingField(offer *OfferData) string {
	switch {
	case offer.SessionID == "":
		return "sessionId"
	case offer.IPAddress == "":
		return "ipAddress"
	case offer.Port == 0:
		return "port"
	case offer.ExpiresAt == 0:
		return "expiresAt"
	case offer.PublicKey == "":
		return "publicKey"
	case offer.AppVersion == "":
		return "appVersion"
	case offer.DeviceID == "":
		return "deviceId"
	case offer.Checksum == "":
		return "checksum"
	}
	return ""
}

// LocalIP returns the device's best-effort LAN address. The UDP dial sends
// no packets; it only selects the outbound interface. Falls back to 0.0.0.0
// when no route is available.
func LocalIP() string {
	conn, err := net.Dial("udp", "198.51.100.1:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "0.0.0.0"
	}
	return addr.IP.String()
}
