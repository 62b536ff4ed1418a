package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"tuya-go-home/internal/protocol"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateNegotiatingVersion
	StateNegotiatingSessionKey
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiatingVersion:
		return "negotiating_version"
	case StateNegotiatingSessionKey:
		return "negotiating_session_key"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultTimeout    = 5 * time.Second
	defaultPushBuffer = 32
	readBufferSize    = 4096
)

// Config describes one device connection.
type Config struct {
	DeviceID string
	LocalKey []byte
	// Version pins the revision; VersionAuto probes ProbeOrder.
	Version protocol.Version
	// Skip lists revisions VersionAuto does not try, usually ones named by
	// a *ProbeError on an earlier connection.
	Skip []protocol.Version
	// Timeout is the default per-request deadline.
	Timeout time.Duration
	// HandshakeTimeout bounds each negotiation step; defaults to Timeout.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	// Rand is the nonce source; crypto/rand when nil.
	Rand io.Reader
	// PushBuffer is the number of unsolicited messages queued for the push
	// handler before new ones are dropped.
	PushBuffer int
}

// Session is the client side of one device connection. Frames are written
// to the transport given to New; bytes read from the transport are handed
// to Feed (or pumped with ReadFrom).
type Session struct {
	cfg      Config
	w        io.Writer
	logger   *slog.Logger
	localKey []byte

	// connectMu serialises negotiation.
	connectMu sync.Mutex

	// mu guards everything below up to writeMu.
	mu         sync.Mutex
	state      State
	version    protocol.Version
	engine     *protocol.Engine
	sessionKey []byte
	seq        uint32
	pending    map[uint32]*Exchange
	closeErr   *ClosedError

	// writeMu is held across sequence allocation, encoding and the write so
	// frames reach the wire in sequence order.
	writeMu sync.Mutex

	feedMu sync.Mutex
	dec    *protocol.Decoder

	pushMu    sync.RWMutex
	onPush    func(*protocol.Message)
	pushCh    chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session writing frames to w. If w is also an io.Closer it
// is closed with the session.
func New(w io.Writer, cfg Config) (*Session, error) {
	if len(cfg.LocalKey) != protocol.KeySize {
		return nil, protocol.ErrKeyLength
	}
	if cfg.Version != protocol.VersionAuto && !cfg.Version.Supported() {
		return nil, &protocol.UnsupportedVersionError{Version: cfg.Version.String()}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = cfg.Timeout
	}
	if cfg.PushBuffer <= 0 {
		cfg.PushBuffer = defaultPushBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	key := make([]byte, protocol.KeySize)
	copy(key, cfg.LocalKey)

	initial := cfg.Version
	if initial == protocol.VersionAuto {
		initial = protocol.ProbeOrder[0]
		if c := cfg.candidates(); len(c) > 0 {
			initial = c[0]
		}
	}

	s := &Session{
		cfg:      cfg,
		w:        w,
		logger:   cfg.Logger.With("component", "session", "device", cfg.DeviceID),
		localKey: key,
		version:  cfg.Version,
		pending:  make(map[uint32]*Exchange),
		dec:      protocol.NewDecoder(initial.Checksum(key)),
		pushCh:   make(chan *protocol.Message, cfg.PushBuffer),
		done:     make(chan struct{}),
	}
	go s.dispatchPushes()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the negotiated revision, or the configured one before
// negotiation completes.
func (s *Session) Version() protocol.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// DeviceID returns the configured device id.
func (s *Session) DeviceID() string { return s.cfg.DeviceID }

// Done is closed when the session enters StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the close reason once the session is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr == nil {
		return nil
	}
	return s.closeErr
}

// OnPush registers the handler for frames that match no pending request.
// Handlers run on a dedicated goroutine, one message at a time.
func (s *Session) OnPush(fn func(*protocol.Message)) {
	s.pushMu.Lock()
	s.onPush = fn
	s.pushMu.Unlock()
}

// Send writes a request with a structured payload and returns its
// completion handle. The first call on a fresh session negotiates.
func (s *Session) Send(ctx context.Context, cmd protocol.Command, data map[string]any) (*Exchange, error) {
	msg := protocol.NewMessage(s.Version(), cmd, data)
	plain, err := msg.Payload()
	if err != nil {
		return nil, err
	}
	return s.SendRaw(ctx, cmd, plain)
}

// SendRaw is Send with an already serialized plaintext payload.
func (s *Session) SendRaw(ctx context.Context, cmd protocol.Command, plain []byte) (*Exchange, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s.send(cmd, plain, s.timeoutFor(ctx, s.cfg.Timeout))
}

// Request sends a request and waits for its reply. A non-zero device
// return code is reported as a *protocol.ResponseError alongside the reply.
func (s *Session) Request(ctx context.Context, cmd protocol.Command, data map[string]any) (*protocol.Message, error) {
	x, err := s.Send(ctx, cmd, data)
	if err != nil {
		return nil, err
	}
	msg, err := x.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return msg, msg.Err()
}

// Status queries the device's data points.
func (s *Session) Status(ctx context.Context) (*protocol.Message, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	q := protocol.QueryRequest(s.Version(), s.cfg.DeviceID, time.Now())
	return s.Request(ctx, q.Cmd, q.Data)
}

// SetDPS writes data points.
func (s *Session) SetDPS(ctx context.Context, dps map[string]any) (*protocol.Message, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	c := protocol.ControlRequest(s.Version(), s.cfg.DeviceID, dps, time.Now())
	return s.Request(ctx, c.Cmd, c.Data)
}

// Heartbeat sends a keep-alive and waits for the echo.
func (s *Session) Heartbeat(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	h := protocol.HeartbeatRequest(s.Version(), s.cfg.DeviceID)
	_, err := s.Request(ctx, h.Cmd, h.Data)
	return err
}

// Refresh asks the device to re-sample dpIDs. Updated values arrive as
// status pushes.
func (s *Session) Refresh(ctx context.Context, dpIDs []int) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	r := protocol.RefreshRequest(s.Version(), dpIDs)
	_, err := s.Request(ctx, r.Cmd, r.Data)
	return err
}

// timeoutFor picks the context deadline when it is set, def otherwise.
func (s *Session) timeoutFor(ctx context.Context, def time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return def
}

// send allocates a sequence number, registers an exchange and writes the
// frame. The exchange is registered before the write so a fast reply is
// never mistaken for a push.
func (s *Session) send(cmd protocol.Command, plain []byte, timeout time.Duration) (*Exchange, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	engine := s.engine
	if engine == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: no protocol engine in state %s", s.state)
	}
	seq := s.nextSeqLocked()
	x := newExchange(s, seq, cmd, timeout)
	s.pending[seq] = x
	s.mu.Unlock()

	raw, err := s.encode(engine, seq, cmd, plain)
	if err == nil {
		err = s.write(seq, cmd, raw, timeout)
	}
	if err != nil {
		s.take(seq, x)
		x.resolve(nil, err)
		return nil, err
	}
	s.logger.Debug("tuya TX", "cmd", cmd, "seq", seq, "len", len(raw))
	return x, nil
}

// write puts raw on the wire. When the transport supports write deadlines
// the write is bounded by timeout; a write that times out may have left a
// partial frame behind, so the session is closed.
func (s *Session) write(seq uint32, cmd protocol.Command, raw []byte, timeout time.Duration) error {
	wd, ok := s.w.(interface{ SetWriteDeadline(time.Time) error })
	if ok && wd.SetWriteDeadline(time.Now().Add(timeout)) != nil {
		ok = false
	}
	_, err := s.w.Write(raw)
	if ok {
		wd.SetWriteDeadline(time.Time{})
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		terr := &TimeoutError{Seq: seq, Cmd: cmd, After: timeout}
		s.logger.Warn("write timeout, closing session", "cmd", cmd, "seq", seq, "after", timeout)
		s.closeWith(terr)
		return terr
	}
	return fmt.Errorf("session: write %s: %w", cmd, err)
}

func (s *Session) encode(engine *protocol.Engine, seq uint32, cmd protocol.Command, plain []byte) ([]byte, error) {
	payload, err := engine.Seal(cmd, plain)
	if err != nil {
		return nil, fmt.Errorf("session: seal %s: %w", cmd, err)
	}
	return protocol.EncodeFrame(&protocol.Frame{Seq: seq, Cmd: cmd, Payload: payload}, engine.Checksum())
}

// nextSeqLocked returns the next sequence number, skipping 0 and values
// still pending after wraparound. Caller holds mu.
func (s *Session) nextSeqLocked() uint32 {
	for {
		s.seq++
		if s.seq == 0 {
			continue
		}
		if _, busy := s.pending[s.seq]; !busy {
			return s.seq
		}
	}
}

// take removes the pending entry for seq. With want set, the entry is
// only removed if it is want.
func (s *Session) take(seq uint32, want *Exchange) *Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.pending[seq]
	if !ok || (want != nil && x != want) {
		return nil
	}
	delete(s.pending, seq)
	return x
}

// Pending reports the number of outstanding exchanges.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Feed ingests bytes read from the transport. It returns a non-nil error
// only for stream corruption, after which the session is closed.
func (s *Session) Feed(p []byte) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	s.dec.Feed(p)
	for {
		f, err := s.dec.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}
		var ce *protocol.ChecksumError
		if errors.As(err, &ce) {
			if x := s.take(ce.Seq, nil); x != nil {
				x.resolve(nil, ce)
			}
			s.logger.Warn("tuya frame dropped", "seq", ce.Seq, "cmd", ce.Cmd, "reason", "checksum",
				"expected", fmt.Sprintf("%X", ce.Expected), "actual", fmt.Sprintf("%X", ce.Actual))
			continue
		}
		if err != nil && s.probingVersion() {
			s.logger.Warn("tuya frame unreadable during version probe", "err", err)
			s.dec.Reset()
			s.failPending(err)
			return nil
		}
		if err != nil {
			s.logger.Error("tuya stream corrupted", "err", err)
			s.closeWith(err)
			return err
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f *protocol.Frame) {
	s.mu.Lock()
	engine := s.engine
	version := s.version
	s.mu.Unlock()

	s.logger.Debug("tuya RX", "cmd", f.Cmd, "seq", f.Seq, "retcode", f.ReturnCode, "len", len(f.Payload))

	if engine == nil {
		s.logger.Debug("tuya frame before negotiation", "cmd", f.Cmd, "seq", f.Seq)
		return
	}
	plain, err := engine.Open(f.Cmd, f.Payload)
	if err != nil {
		if x := s.take(f.Seq, nil); x != nil {
			x.resolve(nil, err)
		}
		s.logger.Warn("tuya payload rejected", "cmd", f.Cmd, "seq", f.Seq, "err", err)
		return
	}
	msg := protocol.DecodeMessage(version, f, plain)

	if x := s.take(f.Seq, nil); x != nil {
		x.resolve(msg, nil)
		return
	}
	s.logger.Debug("tuya unsolicited frame", "cmd", f.Cmd, "seq", f.Seq)
	s.push(msg)
}

func (s *Session) push(msg *protocol.Message) {
	s.pushMu.RLock()
	has := s.onPush != nil
	s.pushMu.RUnlock()
	if !has {
		return
	}
	select {
	case s.pushCh <- msg:
	default:
		s.logger.Warn("push queue full, dropping message", "cmd", msg.Cmd, "seq", msg.Seq)
	}
}

func (s *Session) dispatchPushes() {
	for {
		select {
		case msg := <-s.pushCh:
			s.pushMu.RLock()
			fn := s.onPush
			s.pushMu.RUnlock()
			if fn != nil {
				s.safePush(fn, msg)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) safePush(fn func(*protocol.Message), msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("push handler panic", "cmd", msg.Cmd, "panic", r)
		}
	}()
	fn(msg)
}

// ReadFrom pumps r into Feed until r fails. The session is closed when
// ReadFrom returns.
func (s *Session) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, readBufferSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if ferr := s.Feed(buf[:n]); ferr != nil {
				return total, ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.closeWith(io.EOF)
				return total, nil
			}
			s.closeWith(err)
			return total, err
		}
	}
}

// Close resolves all pending exchanges with a *ClosedError, discards the
// session key and closes the transport.
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeErr = &ClosedError{Cause: cause}
		pending := s.pending
		s.pending = make(map[uint32]*Exchange)
		clear(s.sessionKey)
		s.sessionKey = nil
		s.engine = nil
		closeErr := s.closeErr
		s.mu.Unlock()

		for _, x := range pending {
			x.resolve(nil, closeErr)
		}
		close(s.done)
		if cause != nil {
			s.logger.Info("session closed", "cause", cause)
		} else {
			s.logger.Info("session closed")
		}
		if c, ok := s.w.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
