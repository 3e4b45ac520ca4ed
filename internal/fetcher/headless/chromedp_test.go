package headless

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(maxInflight int) (*networkTracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := newNetworkTracker(maxInflight)
	tr.now = clock.Now
	tr.reset()
	return tr, clock
}

func TestNetworkTrackerIdleWithinBound(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(2)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "a"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "b"})
	clock.advance(600 * time.Millisecond)
	require.Equal(t, 600*time.Millisecond, tr.quietFor())
}

func TestNetworkTrackerBusyResetsQuietWindow(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(2)
	for _, id := range []network.RequestID{"a", "b", "c"} {
		tr.handle(&network.EventRequestWillBeSent{RequestID: id})
	}
	clock.advance(time.Second)
	require.Zero(t, tr.quietFor())

	tr.handle(&network.EventLoadingFinished{RequestID: "a"})
	clock.advance(200 * time.Millisecond)
	require.Equal(t, 200*time.Millisecond, tr.quietFor())

	tr.handle(&network.EventRequestWillBeSent{RequestID: "d"})
	require.Zero(t, tr.quietFor())
	tr.handle(&network.EventLoadingFailed{RequestID: "d"})
	clock.advance(500 * time.Millisecond)
	require.Equal(t, 500*time.Millisecond, tr.quietFor())
}

func TestNetworkTrackerIgnoresUnknownFinish(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(0)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "a"})
	tr.handle(&network.EventLoadingFinished{RequestID: "zzz"})
	clock.advance(time.Second)
	require.Zero(t, tr.quietFor())
}

func TestNetworkTrackerDocumentStatus(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(2)
	tr.handle(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://shop.test/img.png"},
	})
	status, _ := tr.document()
	require.Zero(t, status)

	tr.handle(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 503, URL: "https://shop.test/produto/a.html"},
	})
	status, url := tr.document()
	require.Equal(t, 503, status)
	require.Equal(t, "https://shop.test/produto/a.html", url)

	tr.reset()
	status, _ = tr.document()
	require.Zero(t, status)
}

func TestWaitNetworkIdleHonorsContext(t *testing.T) {
	t.Parallel()

	tr := newNetworkTracker(0)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "pending"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := waitNetworkIdle(ctx, tr, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitNetworkIdleReturnsWhenQuiet(t *testing.T) {
	t.Parallel()

	tr := newNetworkTracker(2)
	tr.reset()
	require.NoError(t, waitNetworkIdle(context.Background(), tr, 0))
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	b := NewChromedp(Config{NoSandbox: true, ExecPath: "/usr/bin/chromium"})
	require.Equal(t, DefaultUserAgent, b.cfg.UserAgent)
	require.Equal(t, 500*time.Millisecond, b.cfg.IdleWindow)
	require.Equal(t, 2, b.cfg.MaxInflight)
	require.Greater(t, len(b.allocatorOptions()), len(NewChromedp(Config{}).allocatorOptions()))
	require.True(t, strings.Contains(DefaultUserAgent, "Windows NT 10.0"))
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("expected child context to be canceled")
	}
}

func TestNoopLaunchFails(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Launch(context.Background())
	require.True(t, errors.Is(err, ErrNotConfigured))
}
