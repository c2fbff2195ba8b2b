package offline

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 10 * time.Second

// watcher stands in for the platform "back online" signal. Once a network
// failure arms it, it probes the origin every interval and replays the
// mutation queue as soon as a probe gets any answer.
type watcher struct {
	c        *Controller
	probeURL string
	every    time.Duration

	mu      sync.Mutex
	offline bool

	wake chan struct{}
}

func newWatcher(c *Controller, probeURL string, every time.Duration) *watcher {
	return &watcher{c: c, probeURL: probeURL, every: every, wake: make(chan struct{}, 1)}
}

func (w *watcher) isOffline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offline
}

func (w *watcher) setOffline(v bool) (changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed = w.offline != v
	w.offline = v
	return changed
}

func (w *watcher) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) markOffline() {
	if w.setOffline(true) {
		w.c.log.Info("network unavailable")
	}
	w.notify()
}

func (w *watcher) markOnline() {
	if w.setOffline(false) {
		w.c.log.Info("network restored")
		w.notify()
	}
}

func (w *watcher) loop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-w.wake:
		}
		if !w.run(stop) {
			return
		}
	}
}

// run probes until the origin answers and the queue drains. It returns false
// when stop is closed.
func (w *watcher) run(stop <-chan struct{}) bool {
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return false
		case <-t.C:
		}
		if w.tick() {
			return true
		}
	}
}

func (w *watcher) tick() (done bool) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if !w.probe(ctx) {
		w.setOffline(true)
		return false
	}
	res, err := w.c.Online(ctx)
	if err != nil {
		w.c.log.Warn("replay after reconnect failed", zap.Error(err))
		return false
	}
	return res.Remaining == 0
}

func (w *watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := w.c.next.RoundTrip(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

// Online is the explicit connectivity-restored signal: it clears the offline
// flag and replays the mutation queue.
func (c *Controller) Online(ctx context.Context) (ReplayResult, error) {
	if c.watcher.setOffline(false) {
		c.log.Info("network restored")
	}
	return c.Replay(ctx)
}
