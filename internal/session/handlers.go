package session

import (
	"encoding/json"
	"time"

	"github.com/classpair/classpair/internal/appdata"
	"github.com/classpair/classpair/internal/pairing"
	"github.com/classpair/classpair/internal/protocol"
	"github.com/classpair/classpair/internal/store"
	"github.com/classpair/classpair/internal/transport"
	"github.com/classpair/classpair/internal/vclock"
	"github.com/classpair/classpair/pkg/crypto"
)

// handleFrame parses and dispatches one inbound frame. A panic while
// processing a message is caught and logged so the connection survives;
// malformed frames and unknown types are silently dropped.
func (s *Session) handleFrame(conn transport.Conn, data []byte) {
	if conn != s.conn {
		return
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		perr := NewProtocolError(CodeMalformedMessage, "unparseable frame", err)
		s.logger.WithError(perr).Debug().Int("size", len(data)).Msg("Dropping malformed frame")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("type", string(msg.Type)).
				Msg("Recovered from panic in message handler")
		}
	}()

	s.logger.Debug().
		Str("type", string(msg.Type)).
		Str("sender", msg.SenderID).
		Msg("Message received")

	switch msg.Type {
	case protocol.TypePairRequest:
		s.handlePairRequest(msg)
	case protocol.TypePairAccept:
		s.handlePairAccept(msg)
	case protocol.TypePairReject:
		s.handlePairReject(msg)
	case protocol.TypeSyncRequest:
		s.handleSyncRequest(msg)
	case protocol.TypeSyncData:
		s.handleSyncData(msg)
	case protocol.TypeSyncAck:
		s.handleSyncAck(msg)
	case protocol.TypeFirstSyncRequest:
		s.handleFirstSyncRequest(msg)
	case protocol.TypeFirstSyncChoice:
		s.handleFirstSyncChoice(msg)
	case protocol.TypeFirstSyncData:
		s.handleFirstSyncData(msg)
	case protocol.TypeFirstSyncAck:
		s.handleFirstSyncAck(msg)
	case protocol.TypeHeartbeat:
		// Keepalive only; no semantic content.
	case protocol.TypeDisconnect:
		s.handleDisconnect(msg)
	default:
		// Forward compatibility: unknown types are ignored.
		s.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message type")
	}
}

// handlePairRequest runs on the hosting side. A valid request referencing
// the outstanding offer derives both shared secrets and parks the request
// for the user's accept/reject decision.
func (s *Session) handlePairRequest(msg *protocol.Message) {
	if s.state != StatePairing || s.pairSession == nil {
		s.logger.Warn().Str("state", string(s.state)).Msg("Unexpected pair_request")
		return
	}

	var payload protocol.PairRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.WithError(err).Debug().Msg("Dropping undecodable pair_request")
		return
	}

	if payload.SessionID != s.pairSession.ID {
		s.logger.Warn().
			Str("got", payload.SessionID).
			Str("want", s.pairSession.ID).
			Msg("pair_request references a different session")
		return
	}

	if s.pairMgr.IsExpired(&s.pairSession.Offer) {
		s.pairSession.Status = pairing.StatusExpired
		_ = s.send(protocol.TypePairReject, protocol.PairRejectPayload{Reason: "offer expired"})
		s.teardown(StateIdle)
		return
	}

	// Session-scoped secret from the ephemeral halves, long-term secret
	// from the permanent keypairs. Receiving the same request twice simply
	// re-derives the same values.
	sessionSecret, err := crypto.DeriveSharedSecret(s.pairSession.KeyPair.PrivateKey, payload.EphemeralPublicKey)
	if err != nil {
		s.logger.WithError(err).Error().Msg("Failed to derive session secret")
		return
	}
	permanentSecret, err := crypto.DeriveSharedSecret(s.opts.Identity.PrivateKey, payload.PublicKey)
	if err != nil {
		s.logger.WithError(err).Error().Msg("Failed to derive permanent secret")
		return
	}

	s.pendingPair = &pendingPair{
		request:         payload,
		sessionSecret:   sessionSecret,
		permanentSecret: permanentSecret,
	}

	s.logger.Info().
		Str("peer_id", payload.DeviceID).
		Str("peer_name", payload.DeviceName).
		Msg("Pairing request received; awaiting user decision")

	if s.opts.Callbacks.OnPairRequest != nil {
		s.opts.Callbacks.OnPairRequest(PeerInfo{DeviceID: payload.DeviceID, DeviceName: payload.DeviceName})
	}
}

// handlePairAccept runs on the joining side once the host user accepted.
func (s *Session) handlePairAccept(msg *protocol.Message) {
	if s.state != StatePairing || s.clientOffer == nil {
		s.logger.Warn().Str("state", string(s.state)).Msg("Unexpected pair_accept")
		return
	}

	var payload protocol.PairAcceptPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.WithError(err).Debug().Msg("Dropping undecodable pair_accept")
		return
	}

	permanentSecret, err := crypto.DeriveSharedSecret(s.opts.Identity.PrivateKey, payload.PublicKey)
	if err != nil {
		s.logger.WithError(err).Error().Msg("Failed to derive permanent secret")
		s.teardown(StateIdle)
		return
	}

	peerDevice := store.PairedDevice{
		ID:           payload.DeviceID,
		Name:         payload.DeviceName,
		PublicKey:    payload.PublicKey,
		SharedSecret: permanentSecret,
		PairedAt:     time.Now().UnixMilli(),
	}
	if err := s.opts.Store.SavePairedDevice(peerDevice); err != nil {
		s.logger.WithError(err).Error().Msg("Failed to persist paired device")
		s.teardown(StateIdle)
		return
	}

	s.peerSecret = permanentSecret

	s.mu.Lock()
	s.peer = &PeerInfo{DeviceID: payload.DeviceID, DeviceName: payload.DeviceName}
	s.mu.Unlock()

	s.setState(StateConnected)
	// The client role keeps the transport alive from the host's
	// perspective.
	s.startHeartbeat()
}

// handlePairReject runs on the joining side when the host declined.
func (s *Session) handlePairReject(msg *protocol.Message) {
	var payload protocol.PairRejectPayload
	_ = msg.DecodePayload(&payload)

	s.logger.Info().Str("code", CodePairingRejected).Str("reason", payload.Reason).Msg("Pairing rejected by peer")
	s.teardown(StateIdle)
}

// handleSyncRequest serves the requester with an encrypted snapshot of the
// current dataset. The requester must already be paired.
func (s *Session) handleSyncRequest(msg *protocol.Message) {
	if s.state != StateConnected && s.state != StateSyncing {
		s.logger.Warn().Str("state", string(s.state)).Msg("Unexpected sync_request")
		return
	}

	if !s.isPairedWith(msg.SenderID) {
		s.logger.Warn().Str("sender", msg.SenderID).Msg("sync_request from unpaired device")
		return
	}

	packet, err := s.buildSyncPacket()
	if err != nil {
		s.logger.WithError(err).Error().Msg("Failed to build sync packet")
		return
	}

	if err := s.send(protocol.TypeSyncData, packet); err != nil {
		s.logger.WithError(err).Error().Msg("Failed to send sync data")
	}
}

// handleSyncData applies an inbound snapshot: decrypt, verify integrity,
// compare clocks, merge per strategy, persist, acknowledge. A packet whose
// hash does not verify is dropped with no ack and no state change; the
// requester sees a stall and must retry manually.
func (s *Session) handleSyncData(msg *protocol.Message) {
	if s.state != StateSyncing {
		s.logger.Warn().Str("state", string(s.state)).Msg("Unexpected sync_data")
		return
	}

	var packet protocol.SyncPacket
	if err := msg.DecodePayload(&packet); err != nil {
		s.logger.WithError(err).Debug().Msg("Dropping undecodable sync_data")
		return
	}

	remote, ok := s.decryptPacket(&packet)
	if !ok {
		return
	}

	s.applyRemoteSnapshot(remote, &packet, false)
}

// handleSyncAck runs on the serving side after the requester applied the
// snapshot.
func (s *Session) handleSyncAck(msg *protocol.Message) {
	var payload protocol.SyncAckPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.WithError(err).Debug().Msg("Dropping undecodable sync_ack")
		return
	}

	if payload.Success {
		now := time.Now().UnixMilli()
		if err := s.opts.Store.UpdateLastSync(msg.SenderID, now); err != nil {
			s.logger.WithError(err).Warn().Msg("Failed to stamp last sync time")
		}
		s.mu.Lock()
		s.lastSyncAt = now
		s.mu.Unlock()
	}

	if s.state == StateSyncing {
		s.setState(StateConnected)
	}
}

// handleFirstSyncRequest parks the session awaiting the user's choice of
// authoritative dataset. There is no timeout; the initiator stays in
// syncing until the choice is made or someone disconnects.
func (s *Session) handleFirstSyncRequest(msg *protocol.Message) {
	if s.state != StateConnected && s.state != StateSyncing {
		s.logger.Warn().Str("state", string(s.state)).Msg("Unexpected first_sync_request")
		return
	}

	if !s.isPairedWith(msg.SenderID) {
		s.logger.Warn().Str("sender", msg.SenderID).Msg("first_sync_request from unpaired device")
		return
	}

	var payload protocol.FirstSyncRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.WithError(err).Debug().Msg("Dropping undecodable first_sync_request")
		return
	}

	s.setState(StateSyncing)
	s.mu.Lock()
	s.firstSync = FirstSyncState{
		IsFirstSync:    true,
		AwaitingChoice: true,
		RemoteStats:    payload.Stats,
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("remote_classes", payload.Stats.Classes).
		Int("remote_students", payload.Stats.Students).
		Int("remote_participations", payload.Stats.Participations).
		Msg("First sync requested; awaiting user choice")

	if s.opts.Callbacks.OnFirstSyncStats != nil {
		s.opts.Callbacks.OnFirstSyncStats(payload.Stats)
	}
}

// handleFirstSyncChoice is informational on the initiator side; the peer's
// follow-up (sync_request or first_sync_data) drives the actual transfer.
func (s *Session) handleFirstSyncChoice(msg *protocol.Message) {
	var payload protocol.FirstSyncChoicePayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	s.mu.Lock()
	s.firstSync.SelectedChoice = payload.Choice
	s.mu.Unlock()
}

// handleFirstSyncData applies the bootstrap snapshot. With IsFullReplace the
// local dataset is replaced unconditionally rather than merged.
func (s *Session) handleFirstSyncData(msg *protocol.Message) {
	if s.state != StateSyncing {
		s.logger.Warn().Str("state", string(s.state)).Msg("Unexpected first_sync_data")
		return
	}

	var payload protocol.FirstSyncDataPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.WithError(err).Debug().Msg("Dropping undecodable first_sync_data")
		return
	}

	remote, ok := s.decryptPacket(&payload.Packet)
	if !ok {
		return
	}

	s.applyRemoteSnapshot(remote, &payload.Packet, payload.IsFullReplace)
}

// handleFirstSyncAck completes the bootstrap on the side that pushed its
// dataset.
func (s *Session) handleFirstSyncAck(msg *protocol.Message) {
	var payload protocol.FirstSyncAckPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}

	if payload.Success {
		now := time.Now().UnixMilli()
		if err := s.opts.Store.UpdateLastSync(msg.SenderID, now); err != nil {
			s.logger.WithError(err).Warn().Msg("Failed to stamp last sync time")
		}
		s.mu.Lock()
		s.lastSyncAt = now
		s.firstSync = FirstSyncState{}
		s.mu.Unlock()
	}

	if s.state == StateSyncing {
		s.setState(StateConnected)
	}
}

// handleDisconnect performs the orderly teardown the peer announced.
func (s *Session) handleDisconnect(msg *protocol.Message) {
	var payload protocol.DisconnectPayload
	_ = msg.DecodePayload(&payload)

	s.logger.Info().Str("reason", payload.Reason).Msg("Peer disconnected")
	s.teardown(StateIdle)
}

// handleTransportClosed reacts to the transport ending underneath us.
func (s *Session) handleTransportClosed(conn transport.Conn) {
	if conn != s.conn {
		return
	}

	if err := conn.Err(); err != nil {
		s.teardown(StateError)
		s.setError(NewTransportError(CodeConnectionLost, "connection lost", err))
		return
	}

	s.logger.Info().Msg("Transport closed")
	s.teardown(StateIdle)
}

// decryptPacket decrypts a sync packet and verifies its integrity hash.
// Failures drop the packet silently per the error-handling design: no state
// change, no ack.
func (s *Session) decryptPacket(packet *protocol.SyncPacket) (*appdata.Snapshot, bool) {
	secret := s.peerSecret
	if secret == "" {
		s.logger.Warn().Msg("Dropping sync packet: no shared secret")
		return nil, false
	}

	plaintext, err := crypto.DecryptFromPeer(packet.EncryptedData, secret)
	if err != nil {
		ierr := NewIntegrityError(CodeUndecryptable, "sync packet could not be decrypted", err)
		s.logger.WithError(ierr).Warn().Str("sender", packet.DeviceID).Msg("Dropping sync packet")
		return nil, false
	}

	if crypto.Checksum(plaintext) != packet.DataHash {
		ierr := NewIntegrityError(CodeHashMismatch, "sync packet hash does not match its payload", nil)
		s.logger.WithError(ierr).Warn().Str("sender", packet.DeviceID).Msg("Dropping sync packet")
		return nil, false
	}

	var snapshot appdata.Snapshot
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		s.logger.WithError(err).Warn().Msg("Dropping sync packet with corrupt snapshot")
		return nil, false
	}

	return &snapshot, true
}

// applyRemoteSnapshot merges or replaces the local dataset, advances the
// vector clock and acknowledges. The merged clock is persisted before the
// in-memory dataset is committed.
func (s *Session) applyRemoteSnapshot(remote *appdata.Snapshot, packet *protocol.SyncPacket, fullReplace bool) {
	localClock, err := s.opts.Store.GetVectorClock()
	if err != nil {
		s.logger.WithError(err).Error().Msg("Failed to load vector clock")
		return
	}

	ordering := vclock.Compare(localClock, packet.VectorClock)
	local := s.opts.Snapshot()
	now := time.Now().UnixMilli()

	var result *appdata.Snapshot
	applied := true

	switch {
	case fullReplace:
		result = remote.Clone()
	case ordering == vclock.Equal || ordering == vclock.After:
		// Local state already covers the remote snapshot.
		result = nil
		applied = false
	case ordering == vclock.Concurrent:
		// Divergent histories are never blindly replaced.
		result = s.merger.Merge(local, remote, s.lastLocalTimestamp(), packet.Timestamp, appdata.StrategyMerge)
	default: // vclock.Before
		strategy, perr := appdata.ParseStrategy(s.opts.Identity.ConflictResolution)
		if perr != nil {
			strategy = appdata.StrategyMerge
		}
		result = s.merger.Merge(local, remote, s.lastLocalTimestamp(), packet.Timestamp, strategy)
	}

	newClock := vclock.Increment(vclock.Merge(localClock, packet.VectorClock), s.opts.Identity.DeviceID)
	if err := s.opts.Store.SaveVectorClock(newClock); err != nil {
		s.logger.WithError(err).Error().Msg("Failed to persist vector clock")
		return
	}

	if result != nil {
		if err := s.opts.ApplySnapshot(result); err != nil {
			s.logger.WithError(err).Error().Msg("Failed to apply merged snapshot")
			return
		}
	}

	if err := s.opts.Store.UpdateLastSync(packet.DeviceID, now); err != nil {
		s.logger.WithError(err).Warn().Msg("Failed to stamp last sync time")
	}

	s.mu.Lock()
	s.lastSyncAt = now
	s.firstSync = FirstSyncState{}
	s.mu.Unlock()

	ack := protocol.SyncAckPayload{Success: true, VectorClock: newClock}
	var ackErr error
	if fullReplace {
		ackErr = s.send(protocol.TypeFirstSyncAck, protocol.FirstSyncAckPayload{Success: true})
	} else {
		ackErr = s.send(protocol.TypeSyncAck, ack)
	}
	if ackErr != nil {
		s.logger.WithError(ackErr).Warn().Msg("Failed to acknowledge sync")
	}

	s.logger.Info().
		Str("ordering", ordering.String()).
		Bool("full_replace", fullReplace).
		Bool("applied", applied).
		Msg("Sync data processed")

	s.setState(StateConnected)
	if s.opts.Callbacks.OnSyncCompleted != nil {
		s.opts.Callbacks.OnSyncCompleted()
	}
}

// lastLocalTimestamp approximates when the local snapshot was last touched.
func (s *Session) lastLocalTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncAt
}

// isPairedWith checks the registry for the sender.
func (s *Session) isPairedWith(deviceID string) bool {
	devices, err := s.opts.Store.ListPairedDevices()
	if err != nil {
		s.logger.WithError(err).Error().Msg("Failed to read paired devices")
		return false
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return true
		}
	}
	return false
}
