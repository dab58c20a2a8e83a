package devicelink

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
)

// fakePort is an in-memory serial port. Bytes written to device appear
// on the read side; bytes written by the link are captured in written.
type fakePort struct {
	r      *io.PipeReader
	device *io.PipeWriter

	mu       sync.Mutex
	written  strings.Builder
	writeErr error
	closed   bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, device: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) emit(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(p.device, s); err != nil {
		t.Errorf("device write: %v", err)
	}
}

func newTestLink(t *testing.T, port *fakePort) *Link {
	t.Helper()
	opener := func(_ string, _ int) (Port, error) { return port, nil }
	return New(Config{Path: "/dev/fake", BaudRate: 9600}, logging.Discard(), WithOpener(opener))
}

func recvLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatal("line sequence ended unexpectedly")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestLink_OpenTwice(t *testing.T) {
	link := newTestLink(t, newFakePort())
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer link.Close() //nolint:errcheck // Test cleanup

	if err := link.Open(); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("second Open() error = %v, want ErrLinkUnavailable", err)
	}
}

func TestLink_OpenRejected(t *testing.T) {
	busy := errors.New("device or resource busy")
	link := New(Config{Path: "/dev/fake", BaudRate: 9600}, logging.Discard(),
		WithOpener(func(string, int) (Port, error) { return nil, busy }))

	err := link.Open()
	if !errors.Is(err, ErrLinkUnavailable) {
		t.Fatalf("Open() error = %v, want ErrLinkUnavailable", err)
	}
	if !errors.Is(err, busy) {
		t.Errorf("Open() error = %v, should wrap the transport error", err)
	}
	if link.IsConnected() {
		t.Error("IsConnected() = true after failed open")
	}
}

func TestLink_OpenAfterClose(t *testing.T) {
	link := newTestLink(t, newFakePort())
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := link.Open(); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("Open() after Close error = %v, want ErrLinkUnavailable", err)
	}
}

func TestLink_Lines(t *testing.T) {
	port := newFakePort()
	link := newTestLink(t, port)
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer link.Close() //nolint:errcheck // Test cleanup

	go port.emit(t, "FREQ_UPDATE:60000\r\nLOG_OUVERTURE\n")

	// A CRLF terminator is stripped along with the newline.
	if got := recvLine(t, link.Lines()); got != "FREQ_UPDATE:60000" {
		t.Errorf("first line = %q, want CR stripped", got)
	}
	if got := recvLine(t, link.Lines()); got != "LOG_OUVERTURE" {
		t.Errorf("second line = %q", got)
	}
	if rx := link.Stats().LinesRx; rx != 2 {
		t.Errorf("Stats().LinesRx = %d, want 2", rx)
	}
}

func TestLink_LinesEndOnClose(t *testing.T) {
	port := newFakePort()
	link := newTestLink(t, port)
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := link.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case _, ok := <-link.Lines():
		if ok {
			t.Error("expected closed line sequence")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("line sequence not closed after Close")
	}
}

func TestLink_LinesEndOnEOF(t *testing.T) {
	port := newFakePort()
	link := newTestLink(t, port)
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	port.device.Close() //nolint:errcheck // Simulates unplugging the device

	select {
	case _, ok := <-link.Lines():
		if ok {
			t.Error("expected closed line sequence")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("line sequence not closed after EOF")
	}

	if err := link.Send("FREQ:60000"); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("Send() after EOF error = %v, want ErrLinkUnavailable", err)
	}
}

func TestLink_Send(t *testing.T) {
	port := newFakePort()
	link := newTestLink(t, port)

	if err := link.Send("FREQ:60000"); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("Send() before Open error = %v, want ErrLinkUnavailable", err)
	}

	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer link.Close() //nolint:errcheck // Test cleanup

	if err := link.Send(FrequencyCommand(300000)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := port.Written(); got != "FREQ:300000\n" {
		t.Errorf("written = %q, want %q", got, "FREQ:300000\n")
	}
	if tx := link.Stats().CommandsTx; tx != 1 {
		t.Errorf("Stats().CommandsTx = %d, want 1", tx)
	}
}

func TestLink_SendWriteFailure(t *testing.T) {
	port := newFakePort()
	port.writeErr = errors.New("input/output error")
	link := newTestLink(t, port)
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer link.Close() //nolint:errcheck // Test cleanup

	err := link.Send("FREQ:60000")
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("Send() error = %v, want ErrWriteFailure", err)
	}
	if n := link.Stats().WriteErrors; n != 1 {
		t.Errorf("Stats().WriteErrors = %d, want 1", n)
	}
}

func TestLink_SendConcurrent(t *testing.T) {
	port := newFakePort()
	link := newTestLink(t, port)
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer link.Close() //nolint:errcheck // Test cleanup

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := link.Send("FREQ:60000"); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}
	wg.Wait()

	want := strings.Repeat("FREQ:60000\n", n)
	if got := port.Written(); got != want {
		t.Errorf("interleaved writes: got %d bytes, want %d", len(got), len(want))
	}
}

func TestLink_Events(t *testing.T) {
	port := newFakePort()
	link := newTestLink(t, port)
	if err := link.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer link.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := link.Events(ctx)

	go port.emit(t, "hello\nFREQ_UPDATE:nope\nFREQ_UPDATE:120000\nLOG_OUVERTURE\n")

	want := []Event{FrequencyUpdated{IntervalMs: 120000}, DeviceOpened{}}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Errorf("event %d = %#v, want %#v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if d := link.Stats().Discarded; d != 2 {
		t.Errorf("Stats().Discarded = %d, want 2", d)
	}
}

func TestLink_CloseIdle(t *testing.T) {
	link := newTestLink(t, newFakePort())
	if err := link.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, ok := <-link.Lines(); ok {
		t.Error("Lines() should be closed")
	}
}
