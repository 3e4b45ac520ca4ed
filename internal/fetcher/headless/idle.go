package headless

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// networkTracker follows the requests of one tab. The network counts as idle
// once no more than maxInflight requests have been pending for a full window.
// It also remembers the status of the last top-level document response.
type networkTracker struct {
	mu          sync.Mutex
	inflight    map[network.RequestID]struct{}
	maxInflight int
	quietSince  time.Time
	docStatus   int
	docURL      string
	now         func() time.Time
}

func newNetworkTracker(maxInflight int) *networkTracker {
	if maxInflight < 0 {
		maxInflight = 0
	}
	return &networkTracker{
		inflight:    make(map[network.RequestID]struct{}),
		maxInflight: maxInflight,
		now:         time.Now,
	}
}

// handle is registered with chromedp.ListenTarget and must not block.
func (t *networkTracker) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.started(e.RequestID)
	case *network.EventLoadingFinished:
		t.finished(e.RequestID)
	case *network.EventLoadingFailed:
		t.finished(e.RequestID)
	case *network.EventResponseReceived:
		if e.Type == network.ResourceTypeDocument && e.Response != nil {
			t.mu.Lock()
			t.docStatus = int(e.Response.Status)
			t.docURL = e.Response.URL
			t.mu.Unlock()
		}
	}
}

func (t *networkTracker) started(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	if len(t.inflight) > t.maxInflight {
		t.quietSince = time.Time{}
	}
}

func (t *networkTracker) finished(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	if len(t.inflight) <= t.maxInflight && t.quietSince.IsZero() {
		t.quietSince = t.now()
	}
}

// reset forgets previous requests ahead of a new navigation.
func (t *networkTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = make(map[network.RequestID]struct{})
	t.quietSince = t.now()
	t.docStatus = 0
	t.docURL = ""
}

// quietFor reports how long the tab has stayed within the in-flight bound.
func (t *networkTracker) quietFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inflight) > t.maxInflight || t.quietSince.IsZero() {
		return 0
	}
	return t.now().Sub(t.quietSince)
}

func (t *networkTracker) document() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.docStatus, t.docURL
}
