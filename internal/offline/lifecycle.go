package offline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"offcache/internal/kv"
)

// Install precaches the app shell, the placeholder images and the offline
// page. Nothing is written unless every resource was fetched successfully.
func (c *Controller) Install(ctx context.Context) error {
	type item struct {
		url   string
		class string
	}
	var items []item
	seen := map[string]bool{}
	add := func(p, class string) {
		u := c.resolve(p)
		if seen[u] {
			return
		}
		seen[u] = true
		items = append(items, item{url: u, class: class})
	}
	for _, p := range c.precache {
		add(p, partShell)
	}
	for _, p := range c.router.placeholderTargets() {
		add(p, partShell)
	}
	if c.offlinePage != "" {
		add(c.offlinePage, partOffline)
	}

	var batch kv.Batch
	for _, it := range items {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.url, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", it.url, err)
		}
		resp, err := c.next.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", it.url, err)
		}
		ent, err := snapshot(req, resp, c.now())
		if err != nil {
			return fmt.Errorf("precache %s: %w", it.url, err)
		}
		if !ok(ent.Status) {
			return fmt.Errorf("precache %s: unexpected status %d", it.url, ent.Status)
		}
		b, err := kv.EncodeGob(ent)
		if err != nil {
			return fmt.Errorf("precache %s: %w", it.url, err)
		}
		batch.Put(c.partition(it.class), requestKey(ent.Method, ent.URL), b)
	}
	if batch.Len() > 0 {
		if err := c.store.Write(&batch); err != nil {
			return fmt.Errorf("precache: %w", err)
		}
	}
	c.log.Info("installed", zap.String("version", c.version), zap.Int("precached", len(items)))
	return nil
}

// Activate drops cache partitions left by other controller versions.
func (c *Controller) Activate(ctx context.Context) error {
	parts, err := c.store.Partitions()
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.stale(name) {
			continue
		}
		if err := c.store.Drop(name); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
		c.log.Info("dropped stale cache", zap.String("partition", name))
	}
	return nil
}

// stale reports whether name is a controller cache partition of another
// version. Partitions owned by other components never match.
func (c *Controller) stale(name string) bool {
	class, version, found := strings.Cut(name, "-")
	if !found || version == "" {
		return false
	}
	for _, p := range versionedParts {
		if p == class {
			return version != c.version
		}
	}
	return false
}
