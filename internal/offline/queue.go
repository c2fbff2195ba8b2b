package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"offcache/internal/kv"
	"offcache/internal/metrics"
)

// mutationQueue stores at most one PendingMutation per URL; a newer failure
// for the same URL replaces the older one.
type mutationQueue struct {
	store   *kv.Store
	metrics *metrics.Metrics

	mu       sync.Mutex
	replayMu sync.Mutex
}

func (q *mutationQueue) enqueue(m PendingMutation) error {
	b, err := kv.EncodeGob(m)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Put(partMutations, m.ID, b); err != nil {
		return err
	}
	q.metrics.MutationQueued()
	q.refreshGauge()
	return nil
}

// removeIf deletes the entry for id unless it was replaced after enqueuedAt.
// A zero enqueuedAt removes unconditionally.
func (q *mutationQueue) removeIf(id string, enqueuedAt int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, err := q.store.Get(partMutations, id)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if enqueuedAt != 0 {
		var cur PendingMutation
		if err := kv.DecodeGob(b, &cur); err == nil && cur.EnqueuedAt != enqueuedAt {
			return false, nil
		}
	}
	if err := q.store.Delete(partMutations, id); err != nil {
		return false, err
	}
	q.refreshGauge()
	return true, nil
}

func (q *mutationQueue) list() ([]PendingMutation, error) {
	var out []PendingMutation
	err := q.store.Iterate(partMutations, func(_ string, v []byte) error {
		var m PendingMutation
		if err := kv.DecodeGob(v, &m); err != nil {
			return nil
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (q *mutationQueue) refreshGauge() {
	if q.metrics == nil {
		return
	}
	if n, err := q.store.Count(partMutations); err == nil {
		q.metrics.SetMutationsPending(n)
	}
}

// mutate forwards a same-origin non-GET request. When the network fails the
// request is queued for replay and the network error is returned unchanged.
func (c *Controller) mutate(req *http.Request) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	out.ContentLength = int64(len(body))

	id := canonicalURL(req)
	resp, err := c.next.RoundTrip(out)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		m := PendingMutation{
			ID:         id,
			Method:     req.Method,
			URL:        id,
			Header:     cloneHeader(req.Header),
			Body:       body,
			EnqueuedAt: c.now().UnixNano(),
		}
		if qerr := c.queue.enqueue(m); qerr != nil {
			c.log.Error("queue mutation failed", zap.String("url", id), zap.Error(qerr))
		} else {
			c.log.Info("mutation queued", zap.String("method", m.Method), zap.String("url", id))
		}
		c.watcher.markOffline()
		return nil, err
	}
	c.watcher.markOnline()

	// An explicit retry that reached the server supersedes the queued copy.
	if removed, rerr := c.queue.removeIf(id, 0); rerr != nil {
		c.log.Warn("drop superseded mutation failed", zap.String("url", id), zap.Error(rerr))
	} else if removed {
		c.log.Debug("queued mutation superseded", zap.String("url", id))
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderOutcome, OutcomeBypass)
	return resp, nil
}

// isMutation reports whether method changes server state and so belongs in
// the replay queue. HEAD, OPTIONS and the like go straight to the network.
func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return b, nil
}

// Pending lists queued mutations in replay order.
func (c *Controller) Pending() ([]PendingMutation, error) {
	return c.queue.list()
}

type ReplayResult struct {
	Replayed  int `json:"replayed"`
	Remaining int `json:"remaining"`
}

// Replay sends every queued mutation through the network in key order. An
// entry is removed when the server answers with anything but a 5xx; network
// failures and 5xx answers stay queued for the next attempt.
func (c *Controller) Replay(ctx context.Context) (ReplayResult, error) {
	c.queue.replayMu.Lock()
	defer c.queue.replayMu.Unlock()

	pending, err := c.queue.list()
	if err != nil {
		return ReplayResult{}, fmt.Errorf("list mutations: %w", err)
	}

	var res ReplayResult
	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			res.Remaining += len(pending) - i
			return res, err
		}
		if !c.replayOne(ctx, m) {
			res.Remaining++
			continue
		}
		res.Replayed++
		c.metrics.MutationReplayed()
		removed, err := c.queue.removeIf(m.ID, m.EnqueuedAt)
		if err != nil {
			c.log.Warn("remove replayed mutation failed", zap.String("url", m.URL), zap.Error(err))
			res.Remaining++
		} else if !removed && c.store.Has(partMutations, m.ID) {
			// replaced while in flight; the newer copy waits for the next replay
			res.Remaining++
		}
	}
	if res.Replayed > 0 || res.Remaining > 0 {
		c.log.Info("mutation replay finished", zap.Int("replayed", res.Replayed), zap.Int("remaining", res.Remaining))
	}
	return res, nil
}

func (c *Controller) replayOne(ctx context.Context, m PendingMutation) bool {
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, bytes.NewReader(m.Body))
	if err != nil {
		c.log.Warn("replay request invalid", zap.String("url", m.URL), zap.Error(err))
		return false
	}
	copyHeaders(req.Header, m.Header)

	resp, err := c.next.RoundTrip(req)
	if err != nil {
		c.log.Debug("replay failed", zap.String("url", m.URL), zap.Error(err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		c.log.Debug("replay rejected", zap.String("url", m.URL), zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}
