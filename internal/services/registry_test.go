package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/store"
	"github.com/digitaldemocracy2030/idobata/internal/workflows"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Database.Path = filepath.Join(dir, "idobata.db")
	cfg.NATS.Embedded = true
	cfg.NATS.StoreDir = filepath.Join(dir, "nats")
	cfg.VectorStore.Chromem.Path = filepath.Join(dir, "vectors")
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	reg, err := Build(ctx, testConfig(t), zaptest.NewLogger(t), Options{Name: "idobata-test", Realtime: true})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, reg.Close()) })

	assert.NotNil(t, reg.Store())
	assert.NotNil(t, reg.Bus())
	assert.NotNil(t, reg.LLM())
	assert.NotNil(t, reg.Chat())
	assert.NotNil(t, reg.Auth())
	assert.NotNil(t, reg.Hub())
	assert.Nil(t, reg.Temporal())
	assert.IsType(t, &workflows.InlineDispatcher{}, reg.Dispatcher())

	acts := reg.Activities()
	require.NotNil(t, acts)
	assert.NotNil(t, acts.Questions)
	assert.NotNil(t, acts.Linker)
	assert.NotNil(t, acts.Drafter)
	assert.NotNil(t, acts.Extractor)

	require.NoError(t, reg.Store().Ping(ctx))
	u, err := reg.Auth().InitializeAdmin(ctx, auth.NewUser{Name: "管理者", Email: "admin@example.jp", Password: "correct-horse-battery"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, u.Role)
}

func TestBuild_WithoutRealtime(t *testing.T) {
	reg, err := Build(context.Background(), testConfig(t), nil, Options{})
	require.NoError(t, err)
	defer reg.Close()
	assert.Nil(t, reg.Hub())
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(context.Background(), nil, nil, Options{})
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	_, err = Build(context.Background(), cfg, nil, Options{})
	assert.Error(t, err, "auth needs a signing secret")

	cfg = testConfig(t)
	_, err = Build(context.Background(), cfg, nil, Options{Dispatch: "cron"})
	assert.ErrorContains(t, err, "unknown dispatcher")
}
