package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/searchnode/internal/store"
	"github.com/narvanalabs/searchnode/internal/store/file"
	"github.com/narvanalabs/searchnode/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.LoadWithDefaults()
	cfg.InstallRoot = t.TempDir()
	cfg.DocumentPath = filepath.Join(t.TempDir(), "searchnode.json")
	cfg.DatabaseDSN = ""
	return cfg
}

func TestOpenWiresFileStore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	rt, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer rt.Docs.Close()

	assert.IsType(t, &file.Store{}, rt.Docs)
	assert.Equal(t, cfg.InstallRoot, rt.Env.InstallRoot)

	var recorded string
	require.NoError(t, rt.Docs.Get(ctx, store.PathInstallRoot, &recorded))
	assert.Equal(t, cfg.InstallRoot, recorded)

	nodes, err := rt.Manager.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestOpenReusesRecordedInstallRoot(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	rt, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	rt.Docs.Close()

	cfg.InstallRoot = ""
	rt, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer rt.Docs.Close()
	assert.NotEmpty(t, rt.Env.InstallRoot)
}

func TestProcessOptions(t *testing.T) {
	opts := ProcessOptions(config.ProcessConfig{
		StartTimeout: time.Minute,
		PollInterval: 500 * time.Millisecond,
		StopGrace:    time.Second,
		StopWait:     5 * time.Second,
		ProbeTimeout: time.Second,
	})
	assert.Equal(t, time.Minute, opts.StartTimeout)
	assert.Equal(t, 500*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 5*time.Second, opts.StopWait)
	assert.Positive(t, opts.TailLines)
}
