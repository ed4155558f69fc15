package link

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/serial"
)

func newPair(t *testing.T) (host, board *Link) {
	t.Helper()
	a, b := net.Pipe()
	host, board = New(a), New(b)
	t.Cleanup(func() {
		host.Close()
		board.Close()
	})
	return host, board
}

func TestLinkSampleLatch(t *testing.T) {
	host, board := newPair(t)
	ctx := context.Background()
	host.Start(ctx)
	board.Start(ctx)

	_, err := host.Sample(ctx)
	assert.True(t, errors.Is(err, errors.ErrSourceRead))

	s := mppt.Sample{Voltage: 0x1200, Current: 0x0300}
	require.NoError(t, board.SendSample(ctx, s))

	var got mppt.Sample
	require.Eventually(t, func() bool {
		var err error
		got, err = host.Sample(ctx)
		return err == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, s, got)

	_, err = host.Sample(ctx)
	assert.Error(t, err, "a report is consumed by one read")
}

func TestLinkLatestSampleWins(t *testing.T) {
	host, board := newPair(t)
	ctx := context.Background()
	host.Start(ctx)
	board.Start(ctx)

	require.NoError(t, board.SendSample(ctx, mppt.Sample{Voltage: 1, Current: 1}))
	require.NoError(t, board.SendSample(ctx, mppt.Sample{Voltage: 2, Current: 2}))
	require.Eventually(t, func() bool { return host.Stats().FramesIn == 2 }, time.Second, time.Millisecond)

	got, err := host.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixed.Q88(2), got.Voltage)
}

func TestLinkDutyAndReset(t *testing.T) {
	host, board := newPair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var duties []fixed.Q88
	resets := make(chan struct{}, 1)
	board.OnDuty(func(d fixed.Q88) {
		mu.Lock()
		duties = append(duties, d)
		mu.Unlock()
	})
	board.OnReset(func() { resets <- struct{}{} })
	host.Start(ctx)
	board.Start(ctx)

	require.NoError(t, host.ApplyDuty(ctx, 0x2040))
	require.NoError(t, host.ApplyDuty(ctx, 0x2080))
	require.NoError(t, host.SendReset(ctx))

	select {
	case <-resets:
	case <-time.After(time.Second):
		t.Fatal("reset not delivered")
	}
	mu.Lock()
	assert.Equal(t, []fixed.Q88{0x2040, 0x2080}, duties)
	mu.Unlock()
	assert.Equal(t, uint64(3), host.Stats().FramesOut)
	assert.Equal(t, uint8(3), host.seq)
}

func TestLinkReadErrorAfterClose(t *testing.T) {
	host, board := newPair(t)
	ctx := context.Background()
	host.Start(ctx)

	require.NoError(t, board.Close())
	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not stop")
	}

	_, err := host.Sample(ctx)
	assert.True(t, errors.IsSource(err))
	assert.NotErrorIs(t, err, ErrNoSample)

	err = host.ApplyDuty(ctx, 0x100)
	assert.True(t, errors.Is(err, errors.ErrSinkWrite), "got %v", err)
}

func TestLinkCancelledContext(t *testing.T) {
	host, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, host.ApplyDuty(ctx, 1), context.Canceled)
	_, err := host.Sample(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLinkCountsBadFrames(t *testing.T) {
	a, b := net.Pipe()
	host := New(a)
	defer host.Close()
	defer b.Close()
	host.Start(context.Background())

	frame, err := EncodeFrame(0, EncodeMessages(ReportSample(mppt.Sample{Voltage: 1})))
	require.NoError(t, err)
	frame[3] ^= 0x01
	_, err = b.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return host.Stats().BadFrames == 1 }, time.Second, time.Millisecond)
	_, err = host.Sample(context.Background())
	assert.ErrorIs(t, err, ErrNoSample)
}

func TestDialUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	host, err := Dial(serial.Config{Device: SocketPrefix + path})
	require.NoError(t, err)
	defer host.Close()
	ctx := context.Background()
	host.Start(ctx)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
	}
	board := New(conn)
	defer board.Close()

	want := mppt.Sample{Voltage: 0x1000, Current: 0x0100}
	require.NoError(t, board.SendSample(ctx, want))
	require.Eventually(t, func() bool {
		got, err := host.Sample(ctx)
		return err == nil && got == want
	}, time.Second, 5*time.Millisecond)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(serial.Config{Device: SocketPrefix + filepath.Join(t.TempDir(), "none.sock")})
	assert.True(t, errors.Is(err, errors.ErrRuntimeInit))
}
