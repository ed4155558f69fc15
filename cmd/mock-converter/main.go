// mock-converter simulates a converter board for testing the controller
// without hardware. It speaks the framed link protocol on a unix socket:
// - report_sample from a recorded trace at a fixed period
// - set_duty is recorded and echoed to the log
// - reset rewinds the trace and restores the reset duty
//
// Usage:
//
//	mock-converter -socket /tmp/mppt_converter -trace sweep.csv [-period 10ms] [-v]
//
// Point the controller at it with:
//
//	[serial]
//	device: unix:/tmp/mppt_converter
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/link"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/trace"
)

func main() {
	socketPath := flag.String("socket", "/tmp/mppt_converter", "Unix socket path")
	tracePath := flag.String("trace", "", "Sample trace to replay (required)")
	period := flag.Duration("period", 10*time.Millisecond, "Sample report period")
	verbose := flag.Bool("v", false, "Log every duty update")
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintf(os.Stderr, "Error: -trace is required\n")
		flag.Usage()
		os.Exit(1)
	}
	samples, err := trace.ReadFile(*tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading trace: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Fprintf(os.Stderr, "Error: trace %s is empty\n", *tracePath)
		os.Exit(1)
	}
	lg := log.GetLogger("converter")
	if *verbose {
		lg.SetLevel(log.DEBUG)
	}

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(*socketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	lg.Info("listening on %s, %d samples every %v", *socketPath, len(samples), *period)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		lg.Info("controller connected")
		b := newBoard(link.New(conn), samples, *period)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.run(ctx)
			lg.WithFields(log.Fields{
				"reports": b.reports,
				"duty":    b.Duty(),
				"updates": b.Updates(),
			}).Info("controller disconnected")
		}()
	}
	wg.Wait()
}

// board is one simulated converter session.
type board struct {
	l       *link.Link
	log     *log.Logger
	samples []mppt.Sample
	period  time.Duration

	mu      sync.Mutex
	pos     int
	duty    fixed.Q88
	updates uint64
	reports uint64
}

func newBoard(l *link.Link, samples []mppt.Sample, period time.Duration) *board {
	b := &board{
		l:       l,
		log:     log.GetLogger("converter"),
		samples: samples,
		period:  period,
		duty:    mppt.ResetDuty,
	}
	l.OnDuty(func(d fixed.Q88) {
		b.mu.Lock()
		b.duty = d
		b.updates++
		b.mu.Unlock()
		b.log.Debug("set_duty 0x%04X (%.4f)", uint16(d), float64(d)/mppt.DutyDenominator)
	})
	l.OnReset(func() {
		b.mu.Lock()
		b.pos = 0
		b.duty = mppt.ResetDuty
		b.mu.Unlock()
		b.log.Info("reset by controller")
	})
	return b
}

func (b *board) run(ctx context.Context) {
	defer b.l.Close()
	b.l.Start(ctx)

	ticker := time.NewTicker(b.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.l.Done():
			return
		case <-ticker.C:
			if err := b.l.SendSample(ctx, b.next()); err != nil {
				return
			}
			b.reports++
		}
	}
}

// next returns the current trace sample and advances, wrapping at the end.
func (b *board) next() mppt.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.samples[b.pos]
	b.pos = (b.pos + 1) % len(b.samples)
	return s
}

// Duty returns the last commanded duty.
func (b *board) Duty() fixed.Q88 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duty
}

// Updates returns how many set_duty commands arrived.
func (b *board) Updates() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates
}
