package devicelink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/dispenser-relay/internal/infrastructure/logging"
	"github.com/nerrad567/dispenser-relay/internal/metrics"
)

// lineBufferSize is how many unread lines are queued before the reader
// waits for the consumer.
const lineBufferSize = 64

// Config holds serial line settings.
type Config struct {
	// Path is the serial device, e.g. /dev/ttyACM0.
	Path string

	// BaudRate must match the firmware (9600 for the stock dispenser).
	BaudRate int
}

// Port is the byte stream to the device. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
}

// Opener acquires a Port. Tests substitute an in-memory implementation.
type Opener func(path string, baudRate int) (Port, error)

// SerialOpener opens a real serial device in 8N1 mode. On Linux the port
// is opened with TIOCEXCL so a second process cannot share it.
func SerialOpener(path string, baudRate int) (Port, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

type linkState int

const (
	stateIdle linkState = iota
	stateOpen
	stateClosed
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Stats holds operational counters for the health endpoint.
type Stats struct {
	Connected    bool
	LinesRx      uint64
	Discarded    uint64
	CommandsTx   uint64
	WriteErrors  uint64
	LastActivity time.Time
}

// Link owns the serial connection to the dispenser.
//
// Thread Safety:
//   - Send may be called from any goroutine; writes are serialised.
//   - Lines has exactly one reader goroutine feeding it.
//
// A Link is single use. Once the port closes (Close, EOF, or a read
// error) the line sequence ends and the Link cannot be reopened.
type Link struct {
	cfg    Config
	opener Opener
	logger *logging.Logger

	mu    sync.Mutex
	state linkState
	port  Port

	writeMu sync.Mutex

	lines chan string
	done  *closeOnce

	linesRx      atomic.Uint64
	discarded    atomic.Uint64
	commandsTx   atomic.Uint64
	writeErrors  atomic.Uint64
	lastActivity atomic.Int64
}

// Option configures a Link.
type Option func(*Link)

// WithOpener replaces the serial opener.
func WithOpener(o Opener) Option {
	return func(l *Link) {
		l.opener = o
	}
}

// New creates a Link. The port is not touched until Open.
func New(cfg Config, logger *logging.Logger, opts ...Option) *Link {
	l := &Link{
		cfg:    cfg,
		opener: SerialOpener,
		logger: logger.With("component", "devicelink"),
		lines:  make(chan string, lineBufferSize),
		done:   newCloseOnce(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open acquires the serial port exclusively and starts the reader.
// It returns ErrLinkUnavailable if the Link is already open or was closed,
// or if the transport rejects the path or baud rate.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateOpen:
		return fmt.Errorf("%w: %s already held", ErrLinkUnavailable, l.cfg.Path)
	case stateClosed:
		return fmt.Errorf("%w: %s link closed", ErrLinkUnavailable, l.cfg.Path)
	}

	port, err := l.opener(l.cfg.Path, l.cfg.BaudRate)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			l.logger.Warn("serial open rejected", "path", l.cfg.Path, "code", portErr.Code())
		}
		return fmt.Errorf("%w: opening %s at %d baud: %w", ErrLinkUnavailable, l.cfg.Path, l.cfg.BaudRate, err)
	}

	l.port = port
	l.state = stateOpen
	metrics.DeviceLinkUp.Set(1)
	l.logger.Info("serial port opened", "path", l.cfg.Path, "baud_rate", l.cfg.BaudRate)

	go l.readLoop(port)
	return nil
}

// readLoop splits the port into lines until it closes.
func (l *Link) readLoop(port Port) {
	defer close(l.lines)
	defer l.markClosed()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		l.linesRx.Add(1)
		l.lastActivity.Store(time.Now().UnixNano())

		select {
		case l.lines <- scanner.Text():
		case <-l.done.Done():
			return
		}
	}

	select {
	case <-l.done.Done():
		// Closed on purpose; the read error is expected.
	default:
		if err := scanner.Err(); err != nil {
			l.logger.Error("serial read failed", "path", l.cfg.Path, "error", err)
		} else {
			l.logger.Warn("serial port reached EOF", "path", l.cfg.Path)
		}
	}
}

func (l *Link) markClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateOpen && l.port != nil {
		l.port.Close() //nolint:errcheck // Port already failed
	}
	l.state = stateClosed
	l.done.Close()
	metrics.DeviceLinkUp.Set(0)
}

// Lines returns the raw line sequence. The channel is closed when the
// port closes and is never reopened.
func (l *Link) Lines() <-chan string {
	return l.lines
}

// Events parses Lines into Events until the sequence ends or ctx is done.
// Unrecognised lines are logged and dropped. Events and Lines must not
// both be consumed.
func (l *Link) Events(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-l.lines:
				if !ok {
					return
				}
				ev, ok := Parse(line)
				if !ok {
					l.discard(line)
					continue
				}
				metrics.DeviceLinesTotal.WithLabelValues(ev.Kind()).Inc()
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (l *Link) discard(line string) {
	l.discarded.Add(1)
	metrics.DeviceLinesTotal.WithLabelValues("discarded").Inc()

	cleaned := strings.TrimSpace(line)
	if strings.HasPrefix(cleaned, frequencyUpdatePrefix) {
		l.logger.Warn("discarding malformed frequency update", "line", cleaned)
		return
	}
	l.logger.Debug("ignoring unrecognised device line", "line", cleaned)
}

// Send writes command followed by a newline. It returns ErrLinkUnavailable
// when the port is not open and ErrWriteFailure on an I/O error. It does
// not wait for any acknowledgement from the device.
func (l *Link) Send(command string) error {
	l.mu.Lock()
	port, state := l.port, l.state
	l.mu.Unlock()

	if state != stateOpen {
		metrics.DeviceCommandsTotal.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("%w: %s not open", ErrLinkUnavailable, l.cfg.Path)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := port.Write([]byte(command + "\n")); err != nil {
		l.writeErrors.Add(1)
		metrics.DeviceCommandsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %q: %w", ErrWriteFailure, command, err)
	}

	l.commandsTx.Add(1)
	l.lastActivity.Store(time.Now().UnixNano())
	metrics.DeviceCommandsTotal.WithLabelValues("ok").Inc()
	l.logger.Debug("command sent", "command", command)
	return nil
}

// Close releases the port. The line sequence ends shortly after.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	l.state = stateClosed
	l.done.Close()

	if prev != stateOpen {
		if prev == stateIdle {
			close(l.lines)
		}
		return nil
	}

	metrics.DeviceLinkUp.Set(0)
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", l.cfg.Path, err)
	}
	l.logger.Info("serial port closed", "path", l.cfg.Path)
	return nil
}

// IsConnected reports whether the port is open.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateOpen
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	s := Stats{
		Connected:   l.IsConnected(),
		LinesRx:     l.linesRx.Load(),
		Discarded:   l.discarded.Load(),
		CommandsTx:  l.commandsTx.Load(),
		WriteErrors: l.writeErrors.Load(),
	}
	if ns := l.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
