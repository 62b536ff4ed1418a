package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"tuya-go-home/internal/protocol"
)

var testKey = []byte("0123456789abcdef")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// frameSink records frames written by the session.
type frameSink struct {
	ch  chan []byte
	err error
}

func newFrameSink() *frameSink {
	return &frameSink{ch: make(chan []byte, 256)}
}

func (w *frameSink) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.ch <- bytes.Clone(p)
	return len(p), nil
}

// next decodes the next frame the session wrote.
func (w *frameSink) next(t *testing.T, cs protocol.Checksum) *protocol.Frame {
	t.Helper()
	select {
	case raw := <-w.ch:
		d := protocol.NewRequestDecoder(cs)
		d.Feed(raw)
		f, err := d.Next()
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func newScriptedSession(t *testing.T, v protocol.Version) (*Session, *frameSink) {
	t.Helper()
	sink := newFrameSink()
	s, err := New(sink, Config{
		DeviceID: "dev1",
		LocalKey: testKey,
		Version:  v,
		Timeout:  2 * time.Second,
		Logger:   newTestLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, sink
}

// deviceFrame builds a device reply sealed under key.
func deviceFrame(t *testing.T, v protocol.Version, seq uint32, cmd protocol.Command, code uint32, plain []byte) []byte {
	t.Helper()
	e, err := protocol.NewEngine(v, testKey)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := e.Seal(cmd, plain)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := protocol.EncodeFrame(&protocol.Frame{Seq: seq, Cmd: cmd, HasReturnCode: true, ReturnCode: code, Payload: payload}, e.Checksum())
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestNewValidation(t *testing.T) {
	if _, err := New(io.Discard, Config{LocalKey: []byte("short")}); !errors.Is(err, protocol.ErrKeyLength) {
		t.Errorf("short key: got %v", err)
	}
	if _, err := New(io.Discard, Config{LocalKey: testKey, Version: protocol.Version(9)}); !errors.Is(err, protocol.ErrUnsupportedVersion) {
		t.Errorf("bad version: got %v", err)
	}
}

func TestPinnedVersionIsReadyWithoutTraffic(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	if s.State() != StateReady {
		t.Fatalf("state: got %s, want ready", s.State())
	}
	if s.Version() != protocol.Version33 {
		t.Errorf("version: got %s", s.Version())
	}
	select {
	case raw := <-sink.ch:
		t.Errorf("unexpected frame %X", raw)
	default:
	}
}

func TestRequestResponse(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	x, err := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{"devId": "dev1"})
	if err != nil {
		t.Fatal(err)
	}
	f := sink.next(t, cs)
	if f.Seq != x.Seq() || f.Cmd != protocol.CmdDPQuery {
		t.Fatalf("written frame: seq=%d cmd=%s", f.Seq, f.Cmd)
	}

	if err := s.Feed(deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{"dps":{"1":true}}`))); err != nil {
		t.Fatal(err)
	}
	msg, err := x.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if msg.DPS()["1"] != true {
		t.Errorf("dps: got %v", msg.DPS())
	}
	if s.Pending() != 0 {
		t.Errorf("pending: got %d", s.Pending())
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	var last uint32
	for i := 0; i < 5; i++ {
		x, err := s.Send(context.Background(), protocol.CmdHeartBeat, nil)
		if err != nil {
			t.Fatal(err)
		}
		f := sink.next(t, cs)
		if f.Seq != x.Seq() {
			t.Errorf("wire seq %d != handle seq %d", f.Seq, x.Seq())
		}
		if x.Seq() <= last {
			t.Errorf("seq %d not greater than %d", x.Seq(), last)
		}
		last = x.Seq()
	}
}

func TestSequenceWrapSkipsZeroAndPending(t *testing.T) {
	s, _ := newScriptedSession(t, protocol.Version33)

	held, err := s.Send(context.Background(), protocol.CmdHeartBeat, nil)
	if err != nil {
		t.Fatal(err)
	}
	if held.Seq() != 1 {
		t.Fatalf("first seq: got %d, want 1", held.Seq())
	}

	s.mu.Lock()
	s.seq = 0xFFFFFFFE
	s.mu.Unlock()

	var got []uint32
	for i := 0; i < 3; i++ {
		x, err := s.Send(context.Background(), protocol.CmdHeartBeat, nil)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, x.Seq())
	}
	want := []uint32{0xFFFFFFFF, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("seq %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUnmatchedResponseIsPushed(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	pushes := make(chan *protocol.Message, 1)
	s.OnPush(func(m *protocol.Message) { pushes <- m })

	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	f := sink.next(t, cs)

	if err := s.Feed(deviceFrame(t, protocol.Version33, f.Seq+100, protocol.CmdStatus, 0, []byte(`{"dps":{"2":5}}`))); err != nil {
		t.Fatalf("unmatched frame must not error: %v", err)
	}
	select {
	case m := <-pushes:
		if m.Cmd != protocol.CmdStatus {
			t.Errorf("push cmd: got %s", m.Cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}
	select {
	case <-x.Done():
		t.Fatal("pending exchange resolved by unrelated frame")
	default:
	}

	s.Feed(deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{}`)))
	if _, err := x.Wait(context.Background()); err != nil {
		t.Errorf("wait: %v", err)
	}
}

func TestTimeoutIsolated(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	short, err := s.Send(ctx, protocol.CmdDPQuery, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	sink.next(t, cs)
	long, err := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	f := sink.next(t, cs)

	_, err = short.Wait(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) || te.Seq != short.Seq() {
		t.Fatalf("short: got %v, want *TimeoutError", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("timeout error should match ErrTimeout")
	}

	select {
	case <-long.Done():
		t.Fatal("long exchange resolved by sibling timeout")
	default:
	}
	s.Feed(deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{}`)))
	if _, err := long.Wait(context.Background()); err != nil {
		t.Errorf("long: %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("state after timeout: %s", s.State())
	}
}

func TestWaitContextDeadline(t *testing.T) {
	s, _ := newScriptedSession(t, protocol.Version33)
	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := x.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if s.Pending() != 0 {
		t.Errorf("pending after wait deadline: %d", s.Pending())
	}
}

func TestCancel(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	f := sink.next(t, cs)
	x.Cancel()
	x.Cancel()
	if _, err := x.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if s.Pending() != 0 {
		t.Errorf("pending: got %d", s.Pending())
	}
	// A late reply is treated as unsolicited.
	if err := s.Feed(deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{}`))); err != nil {
		t.Fatal(err)
	}

	y, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	g := sink.next(t, cs)
	s.Feed(deviceFrame(t, protocol.Version33, g.Seq, g.Cmd, 0, []byte(`{"ok":true}`)))
	msg, err := y.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	y.Cancel()
	if got, err := y.Result(); err != nil || got != msg {
		t.Errorf("cancel after resolve changed result: %v %v", got, err)
	}
}

func TestCloseResolvesAllPending(t *testing.T) {
	s, _ := newScriptedSession(t, protocol.Version33)

	var xs []*Exchange
	for i := 0; i < 4; i++ {
		x, err := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
		if err != nil {
			t.Fatal(err)
		}
		xs = append(xs, x)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	for _, x := range xs {
		_, err := x.Wait(context.Background())
		var ce *ClosedError
		if !errors.As(err, &ce) {
			t.Errorf("seq %d: got %v, want *ClosedError", x.Seq(), err)
		}
	}
	if s.State() != StateClosed || s.Pending() != 0 {
		t.Errorf("after close: state=%s pending=%d", s.State(), s.Pending())
	}
	if _, err := s.Send(context.Background(), protocol.CmdDPQuery, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestChecksumErrorSurfacesAndSessionSurvives(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	f := sink.next(t, cs)
	raw := deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{"dps":{}}`))
	raw[len(raw)-6] ^= 0xFF // inside the CRC
	if err := s.Feed(raw); err != nil {
		t.Fatalf("checksum error must not be fatal: %v", err)
	}
	_, err := x.Wait(context.Background())
	var ce *protocol.ChecksumError
	if !errors.As(err, &ce) || ce.Seq != f.Seq {
		t.Fatalf("got %v, want *ChecksumError", err)
	}

	y, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	g := sink.next(t, cs)
	s.Feed(deviceFrame(t, protocol.Version33, g.Seq, g.Cmd, 0, []byte(`{}`)))
	if _, err := y.Wait(context.Background()); err != nil {
		t.Errorf("request after checksum error: %v", err)
	}
}

func TestDecryptionErrorResolvesExchange(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	f := sink.next(t, cs)
	raw, _ := protocol.EncodeFrame(&protocol.Frame{Seq: f.Seq, Cmd: f.Cmd, HasReturnCode: true, Payload: []byte("not encrypted")}, cs)
	s.Feed(raw)
	if _, err := x.Wait(context.Background()); !errors.Is(err, protocol.ErrDecryption) {
		t.Fatalf("got %v, want ErrDecryption", err)
	}
	if s.State() != StateReady {
		t.Errorf("state: %s", s.State())
	}
}

func TestResponseErrorFromRequest(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), protocol.CmdControl, map[string]any{"dps": map[string]any{"1": true}})
		done <- err
	}()
	f := sink.next(t, cs)
	s.Feed(deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 1, []byte("data format error")))

	err := <-done
	var re *protocol.ResponseError
	if !errors.As(err, &re) || re.Code != 1 || re.Message != "data format error" {
		t.Fatalf("got %v", err)
	}
}

func TestFramingErrorClosesSession(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	f := sink.next(t, cs)
	raw := deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{}`))
	raw[len(raw)-1] = 0x00

	if err := s.Feed(raw); !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("feed: got %v, want ErrFraming", err)
	}
	_, err := x.Wait(context.Background())
	if !errors.Is(err, ErrClosed) || !errors.Is(err, protocol.ErrFraming) {
		t.Errorf("pending: got %v, want closed with framing cause", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state: %s", s.State())
	}
}

func TestGarbageBetweenFrames(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	a, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	fa := sink.next(t, cs)
	b, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
	fb := sink.next(t, cs)

	var stream []byte
	stream = append(stream, deviceFrame(t, protocol.Version33, fa.Seq, fa.Cmd, 0, []byte(`{"n":1}`))...)
	stream = append(stream, 0xFF, 0xFE, 0xFD)
	stream = append(stream, deviceFrame(t, protocol.Version33, fb.Seq, fb.Cmd, 0, []byte(`{"n":2}`))...)
	for i := range stream {
		if err := s.Feed(stream[i : i+1]); err != nil {
			t.Fatal(err)
		}
	}

	for i, x := range []*Exchange{a, b} {
		msg, err := x.Wait(context.Background())
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		if want := json.Number(strconv.Itoa(i + 1)); msg.Data["n"] != want {
			t.Errorf("exchange %d: got %v", i, msg.Data)
		}
	}
}

func TestWriteFailure(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	sink.err = errors.New("broken pipe")
	if _, err := s.Send(context.Background(), protocol.CmdDPQuery, nil); err == nil {
		t.Fatal("expected write error")
	}
	if s.Pending() != 0 {
		t.Errorf("pending after failed write: %d", s.Pending())
	}
}

func TestWriteTimeoutReleasesWriters(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	s, err := New(client, Config{LocalKey: testKey, Version: protocol.Version33, Timeout: 50 * time.Millisecond, Logger: newTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
			done <- err
		}()
	}
	for range 2 {
		select {
		case err := <-done:
			if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrClosed) {
				t.Errorf("got %v, want timeout or closed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("send still blocked on a peer that does not read")
		}
	}
	if s.State() != StateClosed {
		t.Errorf("state: %s", s.State())
	}
	var te *TimeoutError
	if !errors.As(s.Err(), &te) || te.Cmd != protocol.CmdDPQuery {
		t.Errorf("close reason: %v", s.Err())
	}
}

func TestConcurrentSends(t *testing.T) {
	s, sink := newScriptedSession(t, protocol.Version33)
	cs := protocol.Version33.Checksum(nil)

	const n = 32
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case raw := <-sink.ch:
				d := protocol.NewRequestDecoder(cs)
				d.Feed(raw)
				f, err := d.Next()
				if err != nil {
					return
				}
				s.Feed(deviceFrame(t, protocol.Version33, f.Seq, f.Cmd, 0, []byte(`{"ok":true}`)))
			case <-stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint32]bool)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, err := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			dup := seen[x.Seq()]
			seen[x.Seq()] = true
			mu.Unlock()
			if dup {
				errs <- errors.New("duplicate sequence number")
				return
			}
			msg, err := x.Wait(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if msg.Seq != x.Seq() {
				errs <- errors.New("reply matched to wrong exchange")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestReadFromEOFCloses(t *testing.T) {
	sink := newFrameSink()
	s, err := New(sink, Config{LocalKey: testKey, Version: protocol.Version33, Logger: newTestLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	x, _ := s.Send(context.Background(), protocol.CmdDPQuery, map[string]any{})

	stream := bytes.NewReader(append([]byte{0x01, 0x02}, deviceFrame(t, protocol.Version33, 77, protocol.CmdStatus, 0, []byte(`{}`))...))
	n, err := s.ReadFrom(stream)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != int64(2+len(deviceFrame(t, protocol.Version33, 77, protocol.CmdStatus, 0, []byte(`{}`)))) {
		t.Errorf("ReadFrom count: %d", n)
	}
	if _, err := x.Wait(context.Background()); !errors.Is(err, ErrClosed) || !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want closed by EOF", err)
	}
}

func TestPushHandlerPanicRecovered(t *testing.T) {
	s, _ := newScriptedSession(t, protocol.Version33)
	got := make(chan struct{}, 2)
	s.OnPush(func(m *protocol.Message) {
		got <- struct{}{}
		if m.Seq == 1 {
			panic("boom")
		}
	})
	s.Feed(deviceFrame(t, protocol.Version33, 1, protocol.CmdStatus, 0, []byte(`{}`)))
	s.Feed(deviceFrame(t, protocol.Version33, 2, protocol.CmdStatus, 0, []byte(`{}`)))
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("push %d not delivered", i+1)
		}
	}
}
