package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"syscall"
	"time"

	"tuya-go-home/internal/protocol"
)

// Connect negotiates the protocol revision and, for 3.4, the session key.
// It is called implicitly by the first Send. On failure the session is
// closed and the error is returned to every later call.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	switch s.State() {
	case StateReady:
		return nil
	case StateClosed:
		return s.Err()
	}

	if err := s.negotiate(ctx); err != nil {
		s.logger.Error("negotiation failed", "err", err)
		s.closeWith(err)
		return err
	}
	return nil
}

func (s *Session) negotiate(ctx context.Context) error {
	if s.cfg.Version != protocol.VersionAuto {
		return s.establish(ctx, s.cfg.Version, false)
	}

	candidates := s.cfg.candidates()
	if len(candidates) == 0 {
		return &protocol.UnsupportedVersionError{Version: "auto", Reason: "every revision is skipped"}
	}
	var reasons []string
	for _, v := range candidates {
		err := s.establish(ctx, v, true)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && s.droppedByPeer(err) {
			return &ProbeError{Version: v, Err: err}
		}
		if !versionMismatch(err) || ctx.Err() != nil || s.State() == StateClosed {
			return err
		}
		s.logger.Info("version probe failed", "version", v, "err", err)
		reasons = append(reasons, v.String()+": "+err.Error())
	}
	return &protocol.UnsupportedVersionError{Version: "auto", Reason: "no revision answered: " + strings.Join(reasons, "; ")}
}

// candidates returns ProbeOrder without the skipped revisions.
func (cfg *Config) candidates() []protocol.Version {
	out := make([]protocol.Version, 0, len(protocol.ProbeOrder))
	for _, v := range protocol.ProbeOrder {
		if !slices.Contains(cfg.Skip, v) {
			out = append(out, v)
		}
	}
	return out
}

// droppedByPeer reports whether err or the session state shows the
// transport failing rather than Close being called.
func (s *Session) droppedByPeer(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed && s.closeErr != nil && s.closeErr.Cause != nil
}

// establish switches to v and runs whatever that revision needs before
// normal traffic: the key handshake for 3.4, a status probe when the
// revision is being guessed.
func (s *Session) establish(ctx context.Context, v protocol.Version, probe bool) error {
	engine, err := protocol.NewEngine(v, s.localKey)
	if err != nil {
		return err
	}
	s.install(v, engine)

	if v.RequiresHandshake() {
		s.setState(StateNegotiatingSessionKey)
		if err := s.handshake(ctx, engine); err != nil {
			return err
		}
	} else if probe {
		if err := s.probe(ctx, v); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.state = StateReady
	s.mu.Unlock()
	s.logger.Info("session ready", "version", v)
	return nil
}

// install selects v with the device key and discards bytes buffered
// under the previous candidate.
func (s *Session) install(v protocol.Version, engine *protocol.Engine) {
	s.feedMu.Lock()
	s.dec.Reset()
	s.dec.SetChecksum(engine.Checksum())
	s.feedMu.Unlock()

	s.mu.Lock()
	s.version = v
	s.engine = engine
	if s.state != StateClosed {
		s.state = StateNegotiatingVersion
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// probingVersion reports whether unreadable frames should count as a
// version mismatch rather than stream corruption.
func (s *Session) probingVersion() bool {
	if s.cfg.Version != protocol.VersionAuto {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateNegotiatingVersion || s.state == StateNegotiatingSessionKey
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]*Exchange)
	s.mu.Unlock()
	for _, x := range pending {
		x.resolve(nil, err)
	}
}

func (s *Session) negotiationTimeout(ctx context.Context) time.Duration {
	return min(s.timeoutFor(ctx, s.cfg.HandshakeTimeout), s.cfg.HandshakeTimeout)
}

func (s *Session) probe(ctx context.Context, v protocol.Version) error {
	q := protocol.QueryRequest(v, s.cfg.DeviceID, time.Now())
	plain, err := q.Payload()
	if err != nil {
		return err
	}
	x, err := s.send(q.Cmd, plain, s.negotiationTimeout(ctx))
	if err != nil {
		return err
	}
	msg, err := x.Wait(ctx)
	if err != nil {
		return err
	}
	return msg.Err()
}

func (s *Session) handshake(ctx context.Context, engine *protocol.Engine) error {
	local, err := protocol.NewNonce(s.cfg.Rand)
	if err != nil {
		return &HandshakeError{Step: "nonce", Err: err}
	}
	x, err := s.send(protocol.CmdSessKeyNegStart, local, s.negotiationTimeout(ctx))
	if err != nil {
		return &HandshakeError{Step: "start", Err: err}
	}
	msg, err := x.Wait(ctx)
	if err != nil {
		return &HandshakeError{Step: "response", Err: err}
	}
	if err := msg.Err(); err != nil {
		return &HandshakeError{Step: "response", Err: err}
	}
	if msg.Cmd != protocol.CmdSessKeyNegResp {
		return &HandshakeError{Step: "response", Err: fmt.Errorf("unexpected command %s", msg.Cmd)}
	}
	remote, err := protocol.ParseNegotiationResponse(s.localKey, local, msg.Raw)
	if err != nil {
		return &HandshakeError{Step: "verify", Err: err}
	}
	sessionKey, err := protocol.DeriveSessionKey(s.localKey, local, remote)
	if err != nil {
		return &HandshakeError{Step: "derive", Err: err}
	}
	if err := s.finishHandshake(engine, protocol.HandshakeDigest(s.localKey, remote), sessionKey, s.negotiationTimeout(ctx)); err != nil {
		clear(sessionKey)
		return &HandshakeError{Step: "finish", Err: err}
	}
	s.logger.Debug("session key negotiated")
	return nil
}

// finishHandshake writes SESS_KEY_NEG_FINISH under the device key and
// switches to the session key before the write so any reply is decoded
// with it. The device does not answer the finish frame.
func (s *Session) finishHandshake(engine *protocol.Engine, digest, sessionKey []byte, timeout time.Duration) error {
	next, err := protocol.NewEngine(protocol.Version34, sessionKey)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	seq := s.nextSeqLocked()
	s.mu.Unlock()

	raw, err := s.encode(engine, seq, protocol.CmdSessKeyNegFinish, digest)
	if err != nil {
		return err
	}

	s.feedMu.Lock()
	s.dec.SetChecksum(next.Checksum())
	s.feedMu.Unlock()

	s.mu.Lock()
	s.engine = next
	s.sessionKey = sessionKey
	s.mu.Unlock()

	if err := s.write(seq, protocol.CmdSessKeyNegFinish, raw, timeout); err != nil {
		return err
	}
	s.logger.Debug("tuya TX", "cmd", protocol.CmdSessKeyNegFinish, "seq", seq, "len", len(raw))
	return nil
}

// versionMismatch reports whether err from a probe means "wrong revision"
// rather than a broken device or connection.
func versionMismatch(err error) bool {
	var re *protocol.ResponseError
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, protocol.ErrChecksum) ||
		errors.Is(err, protocol.ErrFraming) ||
		errors.Is(err, protocol.ErrDecryption) ||
		errors.Is(err, protocol.ErrPayloadIntegrity) ||
		errors.As(err, &re)
}
