// Package link implements the converter board's framed serial protocol:
// CRC16-checked message blocks carrying VLQ-encoded commands.
//
// A Link is symmetric. The controller host uses it as a sample source and
// duty sink; a board simulator uses the same type with OnDuty/OnReset
// handlers and SendSample.
package link

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/serial"
)

// ErrNoSample means no report_sample has arrived since the last read.
var ErrNoSample = stderrors.New("link: no new sample")

// Stats counts link traffic.
type Stats struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	BadFrames uint64 `json:"bad_frames"`
}

// Link runs the protocol over any byte stream.
type Link struct {
	rw  io.ReadWriteCloser
	log *log.Logger
	dec Decoder

	wmu sync.Mutex
	seq uint8

	mu      sync.Mutex
	latest  mppt.Sample
	fresh   bool
	readErr error
	onDuty  func(fixed.Q88)
	onReset func()

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	badFrames atomic.Uint64

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps rw. Call Start to begin reading.
func New(rw io.ReadWriteCloser) *Link {
	return &Link{
		rw:   rw,
		log:  log.GetLogger("link"),
		done: make(chan struct{}),
	}
}

// SocketPrefix marks a device path as a unix socket, as served by the
// converter simulator.
const SocketPrefix = "unix:"

// Dial opens a serial port and wraps it. A device of the form
// "unix:/path" connects to a unix socket instead.
func Dial(cfg serial.Config) (*Link, error) {
	if path, ok := strings.CutPrefix(cfg.Device, SocketPrefix); ok {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrRuntimeInit, "cannot connect converter socket").
				SetContext("device", cfg.Device)
		}
		l := New(conn)
		l.log.Info("connected to %s", path)
		return l, nil
	}
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "cannot open converter link").
			SetContext("device", cfg.Device)
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "cannot flush converter link")
	}
	l := New(port)
	l.log.Info("opened %s at %d baud", cfg.Device, cfg.BaudRate)
	return l, nil
}

// OnDuty registers a handler for set_duty commands. Must be called
// before Start.
func (l *Link) OnDuty(fn func(fixed.Q88)) {
	l.mu.Lock()
	l.onDuty = fn
	l.mu.Unlock()
}

// OnReset registers a handler for reset commands. Must be called before
// Start.
func (l *Link) OnReset(fn func()) {
	l.mu.Lock()
	l.onReset = fn
	l.mu.Unlock()
}

// Start launches the read loop. It returns immediately; the loop ends
// when ctx is cancelled, the stream fails, or the link is closed.
func (l *Link) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.readLoop(ctx)
}

// Done is closed when the read loop exits.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) readLoop(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			l.fail(err)
			return
		}
		n, err := l.rw.Read(buf)
		if n > 0 {
			l.dec.Write(buf[:n])
			l.drain()
		}
		if err != nil {
			if stderrors.Is(err, serial.ErrTimeout) {
				continue
			}
			l.fail(err)
			return
		}
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.readErr == nil {
		l.readErr = err
	}
	l.mu.Unlock()
	if err != io.EOF && !stderrors.Is(err, context.Canceled) {
		l.log.WithError(err).Warn("read loop stopped")
	}
}

func (l *Link) drain() {
	for {
		f, err := l.dec.Next()
		if err == ErrIncomplete {
			return
		}
		if err != nil {
			l.badFrames.Add(1)
			l.log.WithError(err).Debug("dropped frame")
			continue
		}
		l.framesIn.Add(1)
		msgs, err := DecodeMessages(f.Payload)
		if err != nil {
			l.badFrames.Add(1)
			l.log.WithError(err).Debug("bad payload")
		}
		// Messages decoded before a bad one are still delivered.
		for _, m := range msgs {
			l.handle(m)
		}
	}
}

func (l *Link) handle(m Message) {
	switch m.ID {
	case CmdReportSample:
		s, err := m.Sample()
		if err != nil {
			l.badFrames.Add(1)
			return
		}
		l.mu.Lock()
		l.latest = s
		l.fresh = true
		l.mu.Unlock()
	case CmdSetDuty:
		d, err := m.Duty()
		if err != nil {
			l.badFrames.Add(1)
			return
		}
		l.mu.Lock()
		fn := l.onDuty
		l.mu.Unlock()
		if fn != nil {
			fn(d)
		}
	case CmdReset:
		l.mu.Lock()
		fn := l.onReset
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Send writes msgs as one message block.
func (l *Link) Send(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()

	frame, err := EncodeFrame(l.seq, EncodeMessages(msgs...))
	if err != nil {
		return err
	}
	if _, err := l.rw.Write(frame); err != nil {
		return errors.SinkWriteError("serial", err)
	}
	l.seq = (l.seq + 1) & MessageSeqMask
	l.framesOut.Add(1)
	return nil
}

// Sample returns the latest reported sample. Each report is returned at
// most once; a tick with no new report gets ErrNoSample.
func (l *Link) Sample(ctx context.Context) (mppt.Sample, error) {
	if err := ctx.Err(); err != nil {
		return mppt.Sample{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fresh {
		l.fresh = false
		return l.latest, nil
	}
	if l.readErr != nil {
		return mppt.Sample{}, errors.SourceReadError("serial", l.readErr)
	}
	return mppt.Sample{}, errors.SourceReadError("serial", ErrNoSample)
}

// ApplyDuty sends a set_duty command.
func (l *Link) ApplyDuty(ctx context.Context, duty fixed.Q88) error {
	return l.Send(ctx, SetDuty(duty))
}

// SendReset sends a reset command.
func (l *Link) SendReset(ctx context.Context) error {
	return l.Send(ctx, Reset())
}

// SendSample sends a report_sample command.
func (l *Link) SendSample(ctx context.Context, s mppt.Sample) error {
	return l.Send(ctx, ReportSample(s))
}

// Stats returns traffic counters.
func (l *Link) Stats() Stats {
	return Stats{
		FramesIn:  l.framesIn.Load(),
		FramesOut: l.framesOut.Load(),
		BadFrames: l.badFrames.Load(),
	}
}

// Close closes the underlying stream, which also stops the read loop.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.rw.Close()
	})
	return err
}
