package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/handlemesh/internal/handle"
	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/protocol"
)

func TestPipe_AllFrames(t *testing.T) {
	w, r := Pipe(7, true, 16)
	ctx := context.Background()

	node := identity.MustNewNodeID()
	key := identity.NewTransferKey()

	sends := []func() error{
		w.SendHello,
		func() error { return w.SendData([]byte("x")) },
		func() error { return w.SendBeginTransfer(node, key) },
		w.SendEndTransfer,
		w.SendAckTransfer,
		func() error { return w.SendShutdown(nil) },
		func() error { return w.SendShutdown(&handle.StatusError{Status: handle.StatusIO}) },
	}
	for i, send := range sends {
		if err := send(); err != nil {
			t.Fatalf("send %d error = %v", i, err)
		}
	}

	want := []Frame{
		Hello{},
		Data{Message: []byte("x")},
		BeginTransfer{Node: node, Key: key},
		EndTransfer{},
		AckTransfer{},
		Shutdown{Status: handle.StatusOK},
		Shutdown{Status: handle.StatusIO},
	}
	for i, wf := range want {
		got, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next() %d error = %v", i, err)
		}
		if Name(got) != Name(wf) {
			t.Fatalf("frame %d = %s, want %s", i, Name(got), Name(wf))
		}
		switch g := got.(type) {
		case Data:
			if string(g.Message) != "x" {
				t.Errorf("Data = %q, want x", g.Message)
			}
		case BeginTransfer:
			if g != wf.(BeginTransfer) {
				t.Errorf("BeginTransfer = %+v, want %+v", g, wf)
			}
		case Shutdown:
			if g.Status != wf.(Shutdown).Status {
				t.Errorf("Shutdown status = %s, want %s", g.Status, wf.(Shutdown).Status)
			}
		}
	}

	if w.ID() != 7 || r.ID() != 7 || !w.Initiator() {
		t.Errorf("ID/Initiator = %d/%d/%v", w.ID(), r.ID(), w.Initiator())
	}
}

func TestShutdown_Err(t *testing.T) {
	if (Shutdown{}).Err() != nil {
		t.Error("Shutdown{OK}.Err() should be nil")
	}
	err := Shutdown{Status: handle.StatusPeerClosed}.Err()
	if !errors.Is(err, handle.ErrPeerClosed) {
		t.Errorf("Err() = %v, want PEER_CLOSED", err)
	}
}

func TestWriter_Close(t *testing.T) {
	closed := 0
	r := NewReader(1, 4, nil)
	w := NewWriter(pipeSink{r: r}, 1, false, WithCloseHook(func() { closed++ }))

	w.SendData([]byte("before"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	w.Close()

	if closed != 1 {
		t.Errorf("close hook ran %d times, want 1", closed)
	}
	if err := w.SendData([]byte("after")); !errors.Is(err, ErrClosed) {
		t.Errorf("SendData() after close error = %v, want ErrClosed", err)
	}

	f, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if d, ok := f.(Data); !ok || string(d.Message) != "before" {
		t.Errorf("Next() = %#v, want Data(before)", f)
	}
	if _, err := r.Next(context.Background()); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestWriter_Compression(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(protocol.NewFrameWriter(&buf), 3, true, WithCompression(64))

	big := bytes.Repeat([]byte("compressible "), 200)
	if err := w.SendData(big); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if err := w.SendData([]byte("tiny")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}

	fr := protocol.NewFrameReader(&buf)
	f1, _ := fr.Read()
	if f1.Flags&protocol.FlagCompressed == 0 {
		t.Error("large DATA should be compressed")
	}
	if len(f1.Payload) >= len(big) {
		t.Errorf("compressed payload %d bytes, original %d", len(f1.Payload), len(big))
	}
	f2, _ := fr.Read()
	if f2.Flags&protocol.FlagCompressed != 0 {
		t.Error("small DATA should not be compressed")
	}

	r := NewReader(3, 4, nil)
	r.Deliver(context.Background(), f1)
	got, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got.(Data).Message, big) {
		t.Error("decompressed message mismatch")
	}
	if w.BytesSent() != uint64(len(big)+4) {
		t.Errorf("BytesSent() = %d, want %d", w.BytesSent(), len(big)+4)
	}
}

func TestWriter_TooLarge(t *testing.T) {
	w, _ := Pipe(1, true, 1)
	if err := w.SendData(make([]byte, protocol.MaxPayloadSize+1)); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("SendData() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestWriter_MessageLimitWithCompression(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(protocol.NewFrameWriter(&buf), 1, true, WithCompression(64))

	if err := w.SendData(make([]byte, protocol.MaxMessageSize)); err != nil {
		t.Errorf("SendData(MaxMessageSize) error = %v", err)
	}
	if err := w.SendData(make([]byte, protocol.MaxMessageSize+1)); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("SendData(MaxMessageSize+1) error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReader_RejectsOversizedCompressedData(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"claims 1 GiB", append(binary.AppendUvarint(nil, 1<<30), bytes.Repeat([]byte{0xff}, 32)...)},
		{"claims one byte over the limit", append(binary.AppendUvarint(nil, protocol.MaxMessageSize+1), 0x00)},
		{"bad length header", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(1, 1, nil)
			r.Deliver(context.Background(), &protocol.Frame{
				Type:     protocol.FrameData,
				Flags:    protocol.FlagCompressed,
				StreamID: 1,
				Payload:  tt.payload,
			})
			if _, err := r.Next(context.Background()); !errors.Is(err, protocol.ErrInvalidFrame) {
				t.Errorf("Next() error = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestReader_BufferedBeforeFinish(t *testing.T) {
	w, r := Pipe(1, true, 8)
	w.SendData([]byte("a"))
	w.SendData([]byte("b"))
	r.Finish(errors.New("link down"))

	for _, want := range []string{"a", "b"} {
		f, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if string(f.(Data).Message) != want {
			t.Errorf("Next() = %q, want %q", f.(Data).Message, want)
		}
	}
	if _, err := r.Next(context.Background()); err == nil || err.Error() != "link down" {
		t.Errorf("Next() error = %v, want link down", err)
	}
}

func TestReader_NextUntilKeepsFrame(t *testing.T) {
	w, r := Pipe(1, true, 8)
	stop := make(chan struct{})
	close(stop)

	w.SendData([]byte("kept"))

	f, stopped, err := r.NextUntil(context.Background(), stop)
	if err != nil || !stopped || f != nil {
		t.Fatalf("NextUntil() = %v, %v, %v; want stopped", f, stopped, err)
	}

	f, err = r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(f.(Data).Message) != "kept" {
		t.Errorf("Next() = %q, want kept", f.(Data).Message)
	}
}

func TestReader_NextUntilBlocksUntilStop(t *testing.T) {
	_, r := Pipe(1, true, 8)
	stop := make(chan struct{})

	result := make(chan bool, 1)
	go func() {
		_, stopped, _ := r.NextUntil(context.Background(), stop)
		result <- stopped
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case stopped := <-result:
		if !stopped {
			t.Error("NextUntil() stopped = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NextUntil() did not observe stop")
	}
}

func TestReader_ContextCanceled(t *testing.T) {
	_, r := Pipe(1, true, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := r.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want DeadlineExceeded", err)
	}
}

func TestReader_CloseRunsHookAndRejectsDelivery(t *testing.T) {
	detached := false
	r := NewReader(9, 1, func() { detached = true })
	r.Close()
	r.Close()

	if !detached {
		t.Error("close hook did not run")
	}
	if err := r.Deliver(context.Background(), &protocol.Frame{Type: protocol.FrameHello}); !errors.Is(err, ErrClosed) {
		t.Errorf("Deliver() error = %v, want ErrClosed", err)
	}
	select {
	case <-r.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}

func TestReader_InvalidFrame(t *testing.T) {
	r := NewReader(1, 4, nil)
	ctx := context.Background()
	r.Deliver(ctx, &protocol.Frame{Type: protocol.FrameBeginTransfer, Payload: []byte{1}})
	r.Deliver(ctx, &protocol.Frame{Type: protocol.FrameStreamOpen})

	if _, err := r.Next(ctx); !errors.Is(err, protocol.ErrInvalidFrame) {
		t.Errorf("Next() error = %v, want ErrInvalidFrame", err)
	}
	if _, err := r.Next(ctx); !errors.Is(err, protocol.ErrUnknownFrameType) {
		t.Errorf("Next() error = %v, want ErrUnknownFrameType", err)
	}
}

func TestNewReaderFrom(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()

	w := NewWriter(protocol.NewFrameWriter(c1), 5, true)
	r := NewReaderFrom(c2, 5, 8)

	go func() {
		w.SendHello()
		w.SendData([]byte("over the wire"))
		w.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if f, err := r.Next(ctx); err != nil || Name(f) != "HELLO" {
		t.Fatalf("Next() = %s, %v; want HELLO", Name(f), err)
	}
	f, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(f.(Data).Message) != "over the wire" {
		t.Errorf("Data = %q", f.(Data).Message)
	}
	if _, err := r.Next(ctx); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}
