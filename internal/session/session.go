// Package session owns the single live connection to one peer: pairing,
// heartbeats, first-sync bootstrap, sync exchanges and teardown.
//
// All protocol messages, timer firings and user actions funnel into one
// sequential handling loop, so no two events are ever processed concurrently
// for the same session and SyncState needs no locking beyond the snapshot
// read in Status.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/classpair/classpair/internal/appdata"
	"github.com/classpair/classpair/internal/config"
	"github.com/classpair/classpair/internal/logger"
	"github.com/classpair/classpair/internal/pairing"
	"github.com/classpair/classpair/internal/protocol"
	"github.com/classpair/classpair/internal/store"
	"github.com/classpair/classpair/internal/transport"
	"github.com/classpair/classpair/pkg/crypto"
)

// Acceptor yields inbound peer connections. transport.Listener satisfies it.
type Acceptor interface {
	Accept() <-chan transport.Conn
	Port() int
	Close() error
}

// DialFunc opens a connection to a peer address.
type DialFunc func(ctx context.Context, addr string) (transport.Conn, error)

// ListenFunc starts accepting peer connections on addr.
type ListenFunc func(addr string) (Acceptor, error)

// SnapshotProvider returns the application's current in-memory dataset.
type SnapshotProvider func() *appdata.Snapshot

// SnapshotApplier commits a merged or replaced dataset to the application.
type SnapshotApplier func(snapshot *appdata.Snapshot) error

// Callbacks notify the embedding application of events that need a user
// decision or display. All callbacks run on the session loop; keep them
// short.
type Callbacks struct {
	OnStateChange    func(state State)
	OnPairRequest    func(peer PeerInfo)
	OnFirstSyncStats func(stats protocol.DataStats)
	OnSyncCompleted  func()
	OnError          func(err error)
}

// Options wires a Session's collaborators. Everything is injected so tests
// and multiple sessions run in isolation; there is no package-level state.
type Options struct {
	Identity *store.DeviceIdentity
	Store    store.Store
	Config   *config.Config

	Snapshot      SnapshotProvider
	ApplySnapshot SnapshotApplier

	Dial      DialFunc
	Listen    ListenFunc
	Callbacks Callbacks
}

// Session is the sync session state machine. One live transport, one
// heartbeat timer and one connection-timeout timer at most, each held in a
// single slot.
type Session struct {
	opts    Options
	logger  *logger.Logger
	pairMgr *pairing.Manager
	merger  *appdata.Merger

	inbox chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	// Guarded by mu for Status readers; written only on the loop.
	mu         sync.RWMutex
	state      State
	role       Role
	peer       *PeerInfo
	firstSync  FirstSyncState
	lastSyncAt int64
	err        error

	// Loop-owned; never touched off-loop.
	conn          transport.Conn
	acceptor      Acceptor
	pairSession   *pairing.Session
	pendingPair   *pendingPair
	clientPairKey *crypto.KeyPair
	clientOffer   *pairing.OfferData
	sessionSecret string
	peerSecret    string
	heartbeatStop chan struct{}
	connectTimer  *time.Timer

	closeOnce sync.Once
}

// pendingPair is an inbound pair_request parked for the host user's
// accept/reject decision.
type pendingPair struct {
	request         protocol.PairRequestPayload
	sessionSecret   string
	permanentSecret string
}

// New creates a session and starts its handling loop.
func New(opts Options) (*Session, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Snapshot == nil || opts.ApplySnapshot == nil {
		return nil, fmt.Errorf("snapshot provider and applier are required")
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, addr string) (transport.Conn, error) {
			return transport.Dial(ctx, addr)
		}
	}
	if opts.Listen == nil {
		opts.Listen = func(addr string) (Acceptor, error) {
			return transport.Listen(addr)
		}
	}

	s := &Session{
		opts:    opts,
		logger:  logger.GetLogger().Session().WithField("device_id", opts.Identity.DeviceID),
		pairMgr: pairing.NewManager().WithTTL(opts.Config.Sync.OfferTTL),
		merger:  appdata.NewMerger(),
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
		state:   StateIdle,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// run is the single sequential handler loop.
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// enqueue schedules fn on the loop. Events arriving after Close are dropped.
func (s *Session) enqueue(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func() error) error {
	done := make(chan error, 1)
	s.enqueue(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-s.quit:
		return fmt.Errorf("session closed")
	}
}

// Status returns a point-in-time snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		State:             s.state,
		Role:              s.role,
		FirstSync:         s.firstSync,
		LastSyncTimestamp: s.lastSyncAt,
		Err:               s.err,
	}
	if s.peer != nil {
		copied := *s.peer
		status.Peer = &copied
	}
	return status
}

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.logger.Info().Str("from", string(prev)).Str("to", string(state)).Msg("Session state changed")
		if s.opts.Callbacks.OnStateChange != nil {
			s.opts.Callbacks.OnStateChange(state)
		}
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.logger.WithError(err).Error().Msg("Session entered error state")
	if s.opts.Callbacks.OnError != nil {
		s.opts.Callbacks.OnError(err)
	}
}

// HostPairing starts hosting: it creates a pairing session, opens a
// listener and returns the encoded offer for out-of-band delivery (e.g.
// rendered as a QR code).
func (s *Session) HostPairing(port int) (string, error) {
	var code string
	err := s.do(func() error {
		if s.state != StateIdle {
			return NewValidationError(CodeInvalidState, fmt.Sprintf("cannot host while %s", s.state))
		}

		// Discovery is out-of-band; the state is a pass-through placeholder.
		s.setState(StateDiscovering)

		acceptor, err := s.opts.Listen(fmt.Sprintf(":%d", port))
		if err != nil {
			s.setState(StateIdle)
			return NewTransportError(CodeConnectRefused, "failed to open listener", err)
		}
		s.acceptor = acceptor

		pairSession, err := s.pairMgr.CreateSession(pairing.DeviceInfo{
			DeviceID:   s.opts.Identity.DeviceID,
			DeviceName: s.opts.Identity.DeviceName,
		}, "", acceptor.Port())
		if err != nil {
			s.teardown(StateIdle)
			return fmt.Errorf("failed to create pairing session: %w", err)
		}
		s.pairSession = pairSession

		encoded, err := pairing.EncodeQR(&pairSession.Offer)
		if err != nil {
			s.teardown(StateIdle)
			return fmt.Errorf("failed to encode offer: %w", err)
		}

		s.mu.Lock()
		s.role = RoleHost
		s.mu.Unlock()
		s.setState(StatePairing)

		go s.acceptLoop(acceptor)

		code = encoded
		return nil
	})
	return code, err
}

// acceptLoop forwards the first inbound connection to the loop.
func (s *Session) acceptLoop(acceptor Acceptor) {
	select {
	case conn, ok := <-acceptor.Accept():
		if !ok {
			return
		}
		s.enqueue(func() { s.attachConn(conn) })
	case <-s.quit:
	}
}

// JoinWithOffer validates a scanned offer and connects to the hosting
// device. Validation failures come back as typed errors, never panics.
func (s *Session) JoinWithOffer(raw string) error {
	return s.do(func() error {
		if s.state != StateIdle {
			return NewValidationError(CodeInvalidState, fmt.Sprintf("cannot join while %s", s.state))
		}

		result := s.pairMgr.Validate(raw)
		if !result.Valid {
			return NewValidationError(CodeInvalidOffer, result.Err)
		}
		offer := result.Offer

		keyPair, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate session keypair: %w", err)
		}

		s.mu.Lock()
		s.role = RoleClient
		s.mu.Unlock()
		s.setState(StateConnecting)
		s.armConnectTimer()

		addr := fmt.Sprintf("%s:%d", offer.IPAddress, offer.Port)
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Config.Sync.ConnectTimeout)
		defer cancel()

		conn, err := s.opts.Dial(ctx, addr)
		if err != nil {
			s.teardown(StateError)
			terr := NewTransportError(CodeConnectRefused, fmt.Sprintf("could not reach %s", addr), err)
			s.setError(terr)
			return terr
		}

		s.clientPairKey = keyPair
		s.clientOffer = offer
		// Session-scoped secret from the ephemeral halves.
		s.sessionSecret, err = crypto.DeriveSharedSecret(keyPair.PrivateKey, offer.PublicKey)
		if err != nil {
			s.teardown(StateIdle)
			return fmt.Errorf("failed to derive session secret: %w", err)
		}

		s.attachConn(conn)

		payload := protocol.PairRequestPayload{
			SessionID:          offer.SessionID,
			DeviceID:           s.opts.Identity.DeviceID,
			DeviceName:         s.opts.Identity.DeviceName,
			EphemeralPublicKey: keyPair.PublicKey,
			PublicKey:          s.opts.Identity.PublicKey,
			AppVersion:         pairing.AppVersion,
		}
		if err := s.send(protocol.TypePairRequest, payload); err != nil {
			s.teardown(StateError)
			s.setError(err)
			return err
		}

		s.stopConnectTimer()
		s.setState(StatePairing)
		return nil
	})
}

// AcceptPairing is the host user's approval of the pending pair request. It
// derives the permanent shared secret, persists the peer and confirms.
func (s *Session) AcceptPairing() error {
	return s.do(func() error {
		if s.pendingPair == nil {
			return NewValidationError(CodeInvalidState, "no pairing request to accept")
		}
		pending := s.pendingPair
		s.pendingPair = nil

		now := time.Now().UnixMilli()
		peerDevice := store.PairedDevice{
			ID:           pending.request.DeviceID,
			Name:         pending.request.DeviceName,
			PublicKey:    pending.request.PublicKey,
			SharedSecret: pending.permanentSecret,
			PairedAt:     now,
		}
		if err := s.opts.Store.SavePairedDevice(peerDevice); err != nil {
			return fmt.Errorf("failed to persist paired device: %w", err)
		}

		s.sessionSecret = pending.sessionSecret
		s.peerSecret = pending.permanentSecret

		payload := protocol.PairAcceptPayload{
			DeviceID:   s.opts.Identity.DeviceID,
			DeviceName: s.opts.Identity.DeviceName,
			PublicKey:  s.opts.Identity.PublicKey,
		}
		if err := s.send(protocol.TypePairAccept, payload); err != nil {
			s.teardown(StateError)
			s.setError(err)
			return err
		}

		s.mu.Lock()
		s.peer = &PeerInfo{DeviceID: pending.request.DeviceID, DeviceName: pending.request.DeviceName}
		s.mu.Unlock()

		if s.pairSession != nil {
			s.pairSession.Status = pairing.StatusConnected
			s.pairSession.PeerID = pending.request.DeviceID
			s.pairSession.PeerName = pending.request.DeviceName
		}

		s.setState(StateConnected)
		return nil
	})
}

// RejectPairing declines the pending pair request and returns to idle.
func (s *Session) RejectPairing() error {
	return s.do(func() error {
		if s.pendingPair == nil {
			return NewValidationError(CodeInvalidState, "no pairing request to reject")
		}
		s.pendingPair = nil

		_ = s.send(protocol.TypePairReject, protocol.PairRejectPayload{Reason: "declined"})
		s.teardown(StateIdle)
		return nil
	})
}

// RequestSync asks the connected peer for its dataset. For a peer that has
// never completed a sync this opens the first-sync bootstrap instead.
func (s *Session) RequestSync() error {
	return s.do(func() error {
		if s.state != StateConnected {
			return NewValidationError(CodeInvalidState, fmt.Sprintf("cannot sync while %s", s.state))
		}
		peer, err := s.currentPairedDevice()
		if err != nil {
			return err
		}

		s.setState(StateSyncing)

		if peer.LastSyncAt == nil {
			stats := s.opts.Snapshot().Stats()
			s.mu.Lock()
			s.firstSync = FirstSyncState{IsFirstSync: true, PendingRequest: true}
			s.mu.Unlock()
			return s.send(protocol.TypeFirstSyncRequest, protocol.FirstSyncRequestPayload{Stats: stats})
		}

		return s.send(protocol.TypeSyncRequest, protocol.SyncRequestPayload{RequestedAt: time.Now().UnixMilli()})
	})
}

// ChooseFirstSync resolves the user decision of a first-sync bootstrap.
// ChoiceLocal keeps this device's data authoritative and pushes it;
// ChoiceRemote adopts the initiator's data by pulling it.
func (s *Session) ChooseFirstSync(choice protocol.FirstSyncChoice) error {
	return s.do(func() error {
		s.mu.RLock()
		awaiting := s.firstSync.AwaitingChoice
		s.mu.RUnlock()
		if !awaiting {
			return NewValidationError(CodeInvalidState, "no first-sync choice pending")
		}

		if choice != protocol.ChoiceLocal && choice != protocol.ChoiceRemote {
			// The choice stays pending; a corrected call can still resolve it.
			return NewValidationError(CodeInvalidState, fmt.Sprintf("unknown first-sync choice %q", choice))
		}

		s.mu.Lock()
		s.firstSync.AwaitingChoice = false
		s.firstSync.SelectedChoice = choice
		s.mu.Unlock()

		if err := s.send(protocol.TypeFirstSyncChoice, protocol.FirstSyncChoicePayload{Choice: choice}); err != nil {
			return err
		}

		if choice == protocol.ChoiceLocal {
			packet, err := s.buildSyncPacket()
			if err != nil {
				return err
			}
			return s.send(protocol.TypeFirstSyncData, protocol.FirstSyncDataPayload{
				Packet:        *packet,
				IsFullReplace: true,
			})
		}
		return s.send(protocol.TypeSyncRequest, protocol.SyncRequestPayload{RequestedAt: time.Now().UnixMilli()})
	})
}

// Disconnect tears the session down from any state. It is idempotent;
// calling it twice is a no-op the second time.
func (s *Session) Disconnect() error {
	return s.do(func() error {
		if s.state == StateIdle {
			return nil
		}
		if s.conn != nil {
			_ = s.send(protocol.TypeDisconnect, protocol.DisconnectPayload{Reason: "user disconnect"})
		}
		s.teardown(StateIdle)
		return nil
	})
}

// CancelPairing abandons an outstanding hosted offer.
func (s *Session) CancelPairing() error {
	return s.do(func() error {
		if s.pairSession == nil {
			return nil
		}
		s.pairSession.Status = pairing.StatusExpired
		s.teardown(StateIdle)
		return nil
	})
}

// Close shuts the session loop down permanently.
func (s *Session) Close() error {
	err := s.do(func() error {
		s.teardown(StateIdle)
		return nil
	})
	s.closeOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
	return err
}

// attachConn takes ownership of a transport connection and starts pumping
// its frames into the loop.
func (s *Session) attachConn(conn transport.Conn) {
	if s.conn != nil {
		s.logger.Warn().Msg("Replacing existing connection; closing the old one")
		_ = s.conn.Close()
	}
	s.conn = conn

	go s.pump(conn)
}

// pump forwards frames from conn to the loop, preserving delivery order.
func (s *Session) pump(conn transport.Conn) {
	for {
		select {
		case data, ok := <-conn.Inbound():
			if !ok {
				s.notifyConnClosed(conn)
				return
			}
			frame := data
			s.enqueue(func() { s.handleFrame(conn, frame) })
		case <-conn.Done():
			// Drain anything already delivered before reporting the close.
			for {
				select {
				case data, ok := <-conn.Inbound():
					if !ok {
						s.notifyConnClosed(conn)
						return
					}
					frame := data
					s.enqueue(func() { s.handleFrame(conn, frame) })
				default:
					s.notifyConnClosed(conn)
					return
				}
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) notifyConnClosed(conn transport.Conn) {
	s.enqueue(func() { s.handleTransportClosed(conn) })
}

// send signs and writes one message to the current connection.
func (s *Session) send(msgType protocol.MessageType, payload interface{}) error {
	if s.conn == nil {
		return NewTransportError(CodeConnectionLost, "no active connection", nil)
	}

	msg, err := protocol.NewMessage(msgType, s.opts.Identity.DeviceID, payload, s.opts.Identity.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to build %s message: %w", msgType, err)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(data); err != nil {
		return NewTransportError(CodeConnectionLost, fmt.Sprintf("failed to send %s", msgType), err)
	}

	s.logger.Debug().Str("type", string(msgType)).Msg("Message sent")
	return nil
}

// buildSyncPacket snapshots the current dataset, hashes the plaintext and
// encrypts it under the peer's shared secret.
func (s *Session) buildSyncPacket() (*protocol.SyncPacket, error) {
	if s.peerSecret == "" {
		return nil, NewValidationError(CodeUnknownPeer, "no shared secret for current peer")
	}

	snapshot := s.opts.Snapshot()
	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	dataHash := crypto.Checksum(plaintext)
	encrypted, err := crypto.EncryptForPeer(plaintext, s.peerSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt snapshot: %w", err)
	}

	clock, err := s.opts.Store.GetVectorClock()
	if err != nil {
		return nil, fmt.Errorf("failed to load vector clock: %w", err)
	}

	return &protocol.SyncPacket{
		Version:       protocol.SyncPacketVersion,
		DeviceID:      s.opts.Identity.DeviceID,
		Timestamp:     time.Now().UnixMilli(),
		DataHash:      dataHash,
		EncryptedData: encrypted,
		VectorClock:   clock,
	}, nil
}

// currentPairedDevice resolves the registry record for the connected peer.
func (s *Session) currentPairedDevice() (*store.PairedDevice, error) {
	s.mu.RLock()
	peer := s.peer
	s.mu.RUnlock()
	if peer == nil {
		return nil, NewValidationError(CodeUnknownPeer, "no connected peer")
	}

	devices, err := s.opts.Store.ListPairedDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to read paired devices: %w", err)
	}
	for i := range devices {
		if devices[i].ID == peer.DeviceID {
			return &devices[i], nil
		}
	}
	return nil, NewValidationError(CodeUnknownPeer, fmt.Sprintf("peer %s is not paired", peer.DeviceID))
}

// armConnectTimer bounds the connecting phase. Firing forces the session
// into the error state.
func (s *Session) armConnectTimer() {
	s.stopConnectTimer()
	s.connectTimer = time.AfterFunc(s.opts.Config.Sync.ConnectTimeout, func() {
		s.enqueue(func() {
			if s.state != StateConnecting {
				return
			}
			s.teardown(StateError)
			s.setError(NewTransportError(CodeConnectTimeout,
				fmt.Sprintf("connection attempt exceeded %s", s.opts.Config.Sync.ConnectTimeout), nil))
		})
	})
}

func (s *Session) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// startHeartbeat begins the client-role keepalive ticker.
func (s *Session) startHeartbeat() {
	s.stopHeartbeat()
	stop := make(chan struct{})
	s.heartbeatStop = stop

	interval := s.opts.Config.Sync.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.enqueue(func() {
					if s.state != StateConnected && s.state != StateSyncing {
						return
					}
					if err := s.send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: time.Now().UnixMilli()}); err != nil {
						s.logger.WithError(err).Warn().Msg("Heartbeat send failed")
					}
				})
			case <-stop:
				return
			case <-s.quit:
				return
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

// teardown cancels every timer, closes the transport and listener, clears
// the peer slots and lands in the given state. Every exit path of the
// session goes through here, so nothing can leak a timer against a dead
// session.
func (s *Session) teardown(final State) {
	s.stopHeartbeat()
	s.stopConnectTimer()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.acceptor != nil {
		_ = s.acceptor.Close()
		s.acceptor = nil
	}

	s.pairSession = nil
	s.pendingPair = nil
	s.clientPairKey = nil
	s.clientOffer = nil
	s.sessionSecret = ""
	s.peerSecret = ""

	s.mu.Lock()
	s.peer = nil
	s.role = RoleNone
	s.firstSync = FirstSyncState{}
	if final != StateError {
		s.err = nil
	}
	s.mu.Unlock()

	s.setState(final)
}
