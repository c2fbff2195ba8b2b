package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallPrecaches(t *testing.T) {
	net := newFakeNet(siteHandler())
	c, store := newTestController(t, net)

	require.NoError(t, c.Install(context.Background()))

	for _, p := range []string{"/", "/app.js", "/img/placeholder.png"} {
		assert.True(t, store.Has("shell-v1", requestKey("GET", testOrigin+p)), p)
	}
	assert.True(t, store.Has("offline-v1", requestKey("GET", testOrigin+"/offline.html")))

	// precached static assets are served by stale-while-revalidate
	net.setDown(true)
	resp := get(t, c, "/app.js")
	assert.Equal(t, OutcomeStale, resp.Header.Get(HeaderOutcome))
	assert.Equal(t, "console.log(1)", body(t, resp))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	net := newFakeNet(siteHandler())
	c, store := newTestController(t, net, func(o *Options) {
		o.Precache = []string{"/", "/missing.js"}
	})

	err := c.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing.js")

	parts, err := store.Partitions()
	require.NoError(t, err)
	assert.Empty(t, parts)

	net.setDown(true)
	require.Error(t, c.Install(context.Background()))
}

func TestActivateDropsOtherVersions(t *testing.T) {
	c, store := newTestController(t, newFakeNet(siteHandler()))

	for _, p := range []string{"shell-v0", "static-v0", "data-v0", "offline-v0", "shell-v1", "data-v1", "mutations", "assets", "assetmeta"} {
		require.NoError(t, store.Put(p, "k", []byte("x")))
	}

	require.NoError(t, c.Activate(context.Background()))

	parts, err := store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"assetmeta", "assets", "data-v1", "mutations", "shell-v1"}, parts)
}

func TestStalePartitionNames(t *testing.T) {
	c, _ := newTestController(t, newFakeNet(siteHandler()))

	assert.True(t, c.stale("static-v0"))
	assert.False(t, c.stale("static-v1"))
	assert.False(t, c.stale("static-"))
	assert.False(t, c.stale("mutations"))
	assert.False(t, c.stale("models-v0"))
}
