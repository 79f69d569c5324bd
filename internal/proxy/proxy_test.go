package proxy

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/metrics"
	"github.com/postalsys/handlemesh/internal/protocol"
	"github.com/postalsys/handlemesh/internal/stream"
)

const testTimeout = 2 * time.Second

// streamPair returns both ends of one proxy stream. The a side is the HELLO
// initiator.
func streamPair(id uint64) (aw *stream.Writer, ar *stream.Reader, bw *stream.Writer, br *stream.Reader) {
	aw, br = stream.Pipe(id, true, 0)
	bw, ar = stream.Pipe(id, false, 0)
	return aw, ar, bw, br
}

func newTestProxy(h handle.Proxyable, name string, router Router) *Proxy {
	return New(h, Options{DebugID: name, Metrics: metrics.Discard(), Router: router})
}

func runLoop(ctx context.Context, p *Proxy, initiate TransferInitiationReceiver, w *stream.Writer, initial, r *stream.Reader) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- RunMainLoop(ctx, p, initiate, w, initial, r)
	}()
	return done
}

func waitLoop(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for main loop")
		return nil
	}
}

func readMsg(t *testing.T, h handle.Proxyable) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := h.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return string(msg)
}

func writeMsg(t *testing.T, h handle.Proxyable, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.Write(ctx, []byte(msg)); err != nil {
		t.Fatalf("Write(%q) error = %v", msg, err)
	}
}

func nextFrame(t *testing.T, r *stream.Reader) stream.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	f, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	return f
}

func expectData(t *testing.T, r *stream.Reader, want string) {
	t.Helper()
	f := nextFrame(t, r)
	d, ok := f.(stream.Data)
	if !ok {
		t.Fatalf("frame = %s, want DATA(%q)", stream.Name(f), want)
	}
	if string(d.Message) != want {
		t.Errorf("DATA = %q, want %q", d.Message, want)
	}
}

func expectFrame[T stream.Frame](t *testing.T, r *stream.Reader) T {
	t.Helper()
	f := nextFrame(t, r)
	v, ok := f.(T)
	if !ok {
		var want T
		t.Fatalf("frame = %s, want %s", stream.Name(f), stream.Name(want))
	}
	return v
}

func waitPending(t *testing.T, c *handle.Channel, n int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for c.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Pending() = %d, want %d", c.Pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelayPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appA, hA := handle.NewChannelPair(0)
	appB, hB := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)

	doneA := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)
	doneB := runLoop(ctx, newTestProxy(hB, "b", nil), TransferInitiationReceiver{}, bw, nil, br)

	for _, m := range []string{"x", "y", "z"} {
		writeMsg(t, appA, m)
	}
	for _, want := range []string{"x", "y", "z"} {
		if got := readMsg(t, appB); got != want {
			t.Errorf("appB read %q, want %q", got, want)
		}
	}

	writeMsg(t, appB, "reply")
	if got := readMsg(t, appA); got != "reply" {
		t.Errorf("appA read %q, want %q", got, "reply")
	}

	appA.Close()

	if err := waitLoop(t, doneA); err != nil {
		t.Errorf("A RunMainLoop() error = %v", err)
	}
	if err := waitLoop(t, doneB); err != nil {
		t.Errorf("B RunMainLoop() error = %v", err)
	}

	ctxRead, cancelRead := context.WithTimeout(context.Background(), testTimeout)
	defer cancelRead()
	if _, err := appB.Read(ctxRead); !errors.Is(err, handle.ErrPeerClosed) {
		t.Errorf("appB Read() after shutdown error = %v, want ErrPeerClosed", err)
	}
}

func TestPeerClosedSendsShutdownOK(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appA, hA := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)

	writeMsg(t, appA, "x")
	writeMsg(t, appA, "y")
	appA.Close()

	done := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	expectData(t, br, "x")
	expectData(t, br, "y")
	sd := expectFrame[stream.Shutdown](t, br)
	if sd.Status != handle.StatusOK {
		t.Errorf("SHUTDOWN status = %v, want OK", sd.Status)
	}

	bw.SendShutdown(nil)
	if err := waitLoop(t, done); err != nil {
		t.Errorf("RunMainLoop() error = %v, want nil", err)
	}
}

func TestPeerShutdownWithError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appA, hA := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	bw.SendShutdown(&handle.StatusError{Status: handle.StatusIO, Msg: "disk"})

	// The proxy answers with its own SHUTDOWN before closing.
	expectFrame[stream.Shutdown](t, br)
	bw.Close()

	err := waitLoop(t, done)
	if handle.StatusOf(err) != handle.StatusIO {
		t.Errorf("RunMainLoop() error = %v, want status IO", err)
	}

	ctxRead, cancelRead := context.WithTimeout(context.Background(), testTimeout)
	defer cancelRead()
	if _, err := appA.Read(ctxRead); !errors.Is(err, handle.ErrPeerClosed) {
		t.Errorf("appA Read() error = %v, want ErrPeerClosed", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, ctx context.Context) []error
	}{
		{
			name: "both sides shut down at once",
			run: func(t *testing.T, ctx context.Context) []error {
				appA, hA := handle.NewChannelPair(0)
				appB, hB := handle.NewChannelPair(0)
				aw, ar, bw, br := streamPair(1)

				doneA := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)
				doneB := runLoop(ctx, newTestProxy(hB, "b", nil), TransferInitiationReceiver{}, bw, nil, br)

				writeMsg(t, appA, "ping")
				if got := readMsg(t, appB); got != "ping" {
					t.Errorf("appB read %q, want ping", got)
				}

				start := make(chan struct{})
				var wg sync.WaitGroup
				for _, app := range []*handle.Channel{appA, appB} {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						app.Close()
					}()
				}
				close(start)
				wg.Wait()

				return []error{waitLoop(t, doneA), waitLoop(t, doneB)}
			},
		},
		{
			name: "peer sends SHUTDOWN twice",
			run: func(t *testing.T, ctx context.Context) []error {
				appA, hA := handle.NewChannelPair(0)
				aw, ar, bw, br := streamPair(1)
				done := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

				expectFrame[stream.Hello](t, br)
				bw.SendShutdown(nil)
				bw.SendShutdown(nil)

				expectFrame[stream.Shutdown](t, br)
				err := waitLoop(t, done)

				ctxRead, cancelRead := context.WithTimeout(context.Background(), testTimeout)
				defer cancelRead()
				if _, rerr := appA.Read(ctxRead); !errors.Is(rerr, handle.ErrPeerClosed) {
					t.Errorf("appA Read() error = %v, want ErrPeerClosed", rerr)
				}
				return []error{err}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				for j, err := range tt.run(t, ctx) {
					if err != nil {
						t.Errorf("iteration %d: loop %d error = %v, want nil", i, j, err)
					}
				}
				cancel()
			}
		})
	}
}

func TestLateFinishActionIsLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	appA, hA := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)
	p := New(hA, Options{
		DebugID: "a",
		Metrics: metrics.Discard(),
		Logger:  logging.NewLoggerWithWriter("debug", "text", &buf),
	})

	writeMsg(t, appA, "x")
	appA.Close()
	done := runLoop(ctx, p, TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	expectData(t, br, "x")
	expectFrame[stream.Shutdown](t, br)

	// The capability is already gone when the peer's SHUTDOWN arrives.
	bw.SendShutdown(nil)
	if err := waitLoop(t, done); err != nil {
		t.Fatalf("RunMainLoop() error = %v, want nil", err)
	}

	out := buf.String()
	if !strings.Contains(out, "finish action arrived after the capability ended") || !strings.Contains(out, "action=shutdown") {
		t.Errorf("log output = %s, want the unconsumed shutdown action", out)
	}
}

func TestSendFailureReportsShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appA, hA := handle.NewChannelPair(0)
	aw, ar, _, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	writeMsg(t, appA, strings.Repeat("m", protocol.MaxPayloadSize+1))

	sd := expectFrame[stream.Shutdown](t, br)
	if sd.Status != handle.StatusInternal {
		t.Errorf("SHUTDOWN status = %v, want INTERNAL", sd.Status)
	}
	if err := waitLoop(t, done); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("RunMainLoop() error = %v, want ErrFrameTooLarge", err)
	}
}

// failingHandle fails every read with err.
type failingHandle struct {
	err    error
	closed chan struct{}
	once   sync.Once
}

func (h *failingHandle) Read(ctx context.Context) ([]byte, error) { return nil, h.err }
func (h *failingHandle) Write(ctx context.Context, msg []byte) error {
	return nil
}
func (h *failingHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func TestHandleReadErrorIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &failingHandle{err: &handle.StatusError{Status: handle.StatusIO, Msg: "broken"}, closed: make(chan struct{})}
	aw, ar, bw, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(h, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	sd := expectFrame[stream.Shutdown](t, br)
	if sd.Status != handle.StatusIO {
		t.Errorf("SHUTDOWN status = %v, want IO", sd.Status)
	}
	bw.SendShutdown(sd.Err())

	err := waitLoop(t, done)
	if handle.StatusOf(err) != handle.StatusIO {
		t.Errorf("RunMainLoop() error = %v, want status IO", err)
	}
	select {
	case <-h.closed:
	case <-time.After(testTimeout):
		t.Error("handle was not closed")
	}
}

func TestEndTransferOutsideDrainIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, hB := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hB, "b", nil), TransferInitiationReceiver{}, bw, nil, br)

	aw.SendHello()
	aw.SendEndTransfer()

	err := waitLoop(t, done)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("RunMainLoop() error = %v, want ErrProtocolViolation", err)
	}
	sd := expectFrame[stream.Shutdown](t, ar)
	if sd.Status != handle.StatusProtocol {
		t.Errorf("SHUTDOWN status = %v, want PROTOCOL", sd.Status)
	}
}

func TestDoubleHelloIsFatal(t *testing.T) {
	tests := []struct {
		name      string
		initiator bool
	}{
		{"non-initiator receives second hello", false},
		{"initiator receives hello", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			_, h := handle.NewChannelPair(0)
			w, peerR := stream.Pipe(1, tc.initiator, 0)
			peerW, r := stream.Pipe(1, !tc.initiator, 0)
			done := runLoop(ctx, newTestProxy(h, "p", nil), TransferInitiationReceiver{}, w, nil, r)

			if !tc.initiator {
				peerW.SendHello()
			}
			peerW.SendHello()

			err := waitLoop(t, done)
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("RunMainLoop() error = %v, want ErrProtocolViolation", err)
			}
			peerR.Close()
		})
	}
}

func TestHandshakeRejectsDataFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, hB := handle.NewChannelPair(0)
	aw, _, bw, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hB, "b", nil), TransferInitiationReceiver{}, bw, nil, br)

	aw.SendData([]byte("early"))
	if err := waitLoop(t, done); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("RunMainLoop() error = %v, want ErrProtocolViolation", err)
	}
}

func TestStreamClosedWithoutShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, hA := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	bw.Close()

	if err := waitLoop(t, done); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("RunMainLoop() error = %v, want ErrStreamClosed", err)
	}
}

func TestDrainPrecedesRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appN, hN := handle.NewChannelPair(0)
	drainW, drainR := stream.Pipe(7, true, 0)
	bw, br, nw, nr := streamPair(2)

	bw.SendHello()
	bw.SendData([]byte("c"))
	drainW.SendData([]byte("a"))
	drainW.SendData([]byte("b"))
	drainW.SendEndTransfer()

	done := runLoop(ctx, newTestProxy(hN, "n", nil), TransferInitiationReceiver{}, nw, drainR, nr)

	for _, want := range []string{"a", "b", "c"} {
		if got := readMsg(t, appN); got != want {
			t.Errorf("appN read %q, want %q", got, want)
		}
	}

	appN.Close()
	sd := expectFrame[stream.Shutdown](t, br)
	if sd.Status != handle.StatusOK {
		t.Errorf("SHUTDOWN status = %v, want OK", sd.Status)
	}
	bw.SendShutdown(nil)
	if err := waitLoop(t, done); err != nil {
		t.Errorf("RunMainLoop() error = %v", err)
	}
}

func TestDrainRejectsUnexpectedFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, hN := handle.NewChannelPair(0)
	drainW, drainR := stream.Pipe(7, true, 0)
	bw, _, nw, nr := streamPair(2)

	bw.SendHello()
	drainW.SendData([]byte("a"))
	drainW.SendHello()

	done := runLoop(ctx, newTestProxy(hN, "n", nil), TransferInitiationReceiver{}, nw, drainR, nr)
	if err := waitLoop(t, done); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("RunMainLoop() error = %v, want ErrProtocolViolation", err)
	}
}

// fakeRouter hands out streams prepared by the test.
type fakeRouter struct {
	mu    sync.Mutex
	node  identity.NodeID
	key   identity.TransferKey
	calls int
	w     *stream.Writer
	r     *stream.Reader
	err   error
}

func (f *fakeRouter) OpenTransferStream(ctx context.Context, node identity.NodeID, key identity.TransferKey) (*stream.Writer, *stream.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.node, f.key = node, key
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.w, f.r, nil
}

func TestFollowTransferKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeN := identity.MustNewNodeID()
	key := identity.NewTransferKey()

	appB, hB := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)
	// New stream between B and N. B is the HELLO initiator on it.
	b2w, n2r := stream.Pipe(3, true, 0)
	n2w, b2r := stream.Pipe(3, false, 0)
	router := &fakeRouter{w: b2w, r: b2r}

	done := runLoop(ctx, newTestProxy(hB, "b", router), TransferInitiationReceiver{}, bw, nil, br)

	aw.SendHello()
	aw.SendData([]byte("w"))
	aw.SendBeginTransfer(nodeN, key)

	expectFrame[stream.AckTransfer](t, ar)
	expectFrame[stream.Hello](t, n2r)
	n2w.SendData([]byte("n1"))

	for _, want := range []string{"w", "n1"} {
		if got := readMsg(t, appB); got != want {
			t.Errorf("appB read %q, want %q", got, want)
		}
	}

	router.mu.Lock()
	if router.calls != 1 || router.node != nodeN || router.key != key {
		t.Errorf("router called %d times with (%s, %s), want once with (%s, %s)",
			router.calls, router.node.ShortString(), router.key, nodeN.ShortString(), key)
	}
	router.mu.Unlock()

	writeMsg(t, appB, "to-n")
	expectData(t, n2r, "to-n")

	n2w.SendShutdown(nil)
	expectFrame[stream.Shutdown](t, n2r)
	n2w.Close()
	if err := waitLoop(t, done); err != nil {
		t.Errorf("RunMainLoop() error = %v", err)
	}
}

func TestFollowWithoutRouter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, hB := handle.NewChannelPair(0)
	aw, ar, bw, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hB, "b", nil), TransferInitiationReceiver{}, bw, nil, br)

	aw.SendHello()
	aw.SendBeginTransfer(identity.MustNewNodeID(), identity.NewTransferKey())

	expectFrame[stream.AckTransfer](t, ar)
	if err := waitLoop(t, done); !errors.Is(err, ErrNoRouter) {
		t.Errorf("RunMainLoop() error = %v, want ErrNoRouter", err)
	}
}

func TestTransferToThirdNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeN := identity.MustNewNodeID()

	// A proxies hA to B. appA is the local end that gets sent to N.
	appA, hA := handle.NewChannelPair(0)
	appB, hB := handle.NewChannelPair(0)
	appN, hN := handle.NewChannelPair(0)

	aw, ar, bw, br := streamPair(1)
	b2w, n2r := stream.Pipe(3, true, 0)
	n2w, b2r := stream.Pipe(3, false, 0)
	drainW, drainR := stream.Pipe(5, true, 0)
	router := &fakeRouter{w: b2w, r: b2r}

	sender, initiate := NewTransferInitiation()
	doneA := runLoop(ctx, newTestProxy(hA, "a", nil), initiate, aw, nil, ar)
	doneB := runLoop(ctx, newTestProxy(hB, "b", router), TransferInitiationReceiver{}, bw, nil, br)
	doneN := runLoop(ctx, newTestProxy(hN, "n", nil), TransferInitiationReceiver{}, n2w, drainR, n2r)

	writeMsg(t, appA, "before")
	if got := readMsg(t, appB); got != "before" {
		t.Errorf("appB read %q, want %q", got, "before")
	}

	// m1 reaches appA but is never read there; it belongs to N.
	writeMsg(t, appB, "m1")
	waitPending(t, appA, 1)

	refs := make(chan TransferRef, 1)
	sender.Send(InitiateTransfer{
		Destination:     nodeN,
		PairedHandle:    appA,
		DrainStream:     drainW,
		StreamRefSender: refs,
	})

	var ref TransferRef
	select {
	case ref = <-refs:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for transfer ref")
	}
	if ref.DrainStream != 5 {
		t.Errorf("ref.DrainStream = %d, want 5", ref.DrainStream)
	}

	if err := waitLoop(t, doneA); err != nil {
		t.Errorf("A RunMainLoop() error = %v", err)
	}

	router.mu.Lock()
	if router.key != ref.Key || router.node != nodeN {
		t.Errorf("B followed to (%s, %s), want (%s, %s)",
			router.node.ShortString(), router.key, nodeN.ShortString(), ref.Key)
	}
	router.mu.Unlock()

	writeMsg(t, appB, "m2")
	for _, want := range []string{"m1", "m2"} {
		if got := readMsg(t, appN); got != want {
			t.Errorf("appN read %q, want %q", got, want)
		}
	}

	writeMsg(t, appN, "back")
	if got := readMsg(t, appB); got != "back" {
		t.Errorf("appB read %q, want %q", got, "back")
	}

	appN.Close()
	if err := waitLoop(t, doneN); err != nil {
		t.Errorf("N RunMainLoop() error = %v", err)
	}
	if err := waitLoop(t, doneB); err != nil {
		t.Errorf("B RunMainLoop() error = %v", err)
	}
}

func TestDroppedIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, hA := handle.NewChannelPair(0)
	aw, ar, _, br := streamPair(1)
	sender, initiate := NewTransferInitiation()
	p := newTestProxy(hA, "a", nil)
	done := runLoop(ctx, p, initiate, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	sender.Send(Dropped{})

	if err := waitLoop(t, done); !errors.Is(err, ErrProxyDropped) {
		t.Errorf("RunMainLoop() error = %v, want ErrProxyDropped", err)
	}
	sd := expectFrame[stream.Shutdown](t, br)
	if sd.Status == handle.StatusOK {
		t.Error("SHUTDOWN status = OK, want an error status")
	}
	select {
	case <-p.Done():
	case <-time.After(testTimeout):
		t.Error("capability was not closed")
	}
}

func TestCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	_, hA := handle.NewChannelPair(0)
	aw, ar, _, br := streamPair(1)
	done := runLoop(ctx, newTestProxy(hA, "a", nil), TransferInitiationReceiver{}, aw, nil, ar)

	expectFrame[stream.Hello](t, br)
	cancel()

	if err := waitLoop(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("RunMainLoop() error = %v, want context.Canceled", err)
	}
}

func TestOneshotSecondSendPanics(t *testing.T) {
	o := newOneshot[int](nil)
	o.send(1)

	defer func() {
		if recover() == nil {
			t.Error("second send did not panic")
		}
	}()
	o.send(2)
}

func TestOneshotReceive(t *testing.T) {
	called := false
	o := newOneshot[string](func() { called = true })

	if _, ok := o.tryRecv(); ok {
		t.Fatal("tryRecv() before send returned a value")
	}
	o.send("v")

	select {
	case <-o.ready():
	default:
		t.Error("ready() not closed after send")
	}
	if !called {
		t.Error("onSend hook not called")
	}
	if v, ok := o.tryRecv(); !ok || v != "v" {
		t.Errorf("tryRecv() = (%q, %v), want (\"v\", true)", v, ok)
	}
	if _, ok := o.tryRecv(); ok {
		t.Error("tryRecv() returned the value twice")
	}
}

func TestTakeRequiresSoleOwnership(t *testing.T) {
	_, h := handle.NewChannelPair(0)
	p := newTestProxy(h, "p", nil)

	p.share()
	if err := p.take(); !errors.Is(err, ErrProxyShared) {
		t.Fatalf("take() while shared error = %v, want ErrProxyShared", err)
	}

	p.release()
	if err := p.take(); err != nil {
		t.Fatalf("take() after release error = %v", err)
	}
	select {
	case <-p.Done():
		t.Error("take() closed the capability")
	default:
	}
}

func TestReleaseClosesOnLastReference(t *testing.T) {
	_, h := handle.NewChannelPair(0)
	p := newTestProxy(h, "p", nil)

	p.share()
	p.release()
	select {
	case <-p.Done():
		t.Fatal("capability closed while still shared")
	default:
	}
	p.release()
	select {
	case <-p.Done():
	default:
		t.Error("capability not closed after last release")
	}
}
