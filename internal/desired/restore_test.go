package desired

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/internal/logger"
)

func TestManifestProvider_BackupAndRestore(t *testing.T) {
	path := writeManifest(t, testManifest)
	p := NewManifestProvider(path, ManifestOptions{}, nil, logger.Discard())
	var _ Restorer = p

	saved, err := p.Backup(context.Background())
	require.NoError(t, err)
	before, err := p.Declared(context.Background(), "dev")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("containers:\n  - name: web\n    image: nginx:1.26\n"), 0o644))
	changed, err := p.Declared(context.Background(), "dev")
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, changed.ID)

	require.NoError(t, p.Restore(context.Background(), saved))
	restored, err := p.Declared(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, before.ID, restored.ID)

	backups, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".vahti-backups", "desired.yaml.*.backup"))
	require.NoError(t, err)
	assert.Len(t, backups, 1, "the replaced manifest is kept")
}

func TestManifestProvider_RestoreRejectsGarbage(t *testing.T) {
	path := writeManifest(t, testManifest)
	p := NewManifestProvider(path, ManifestOptions{}, nil, logger.Discard())

	err := p.Restore(context.Background(), []byte("containers: [unterminated"))
	assert.True(t, errors.Is(err, vahtierrors.ErrProvider))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testManifest, string(data))
}

func TestTerraformProvider_BackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "terraform.tfstate")
	require.NoError(t, os.WriteFile(state, []byte(rawState), 0o600))
	p := NewTerraformProvider(TerraformOptions{Dir: dir}, nil, nil, logger.Discard())
	var _ Restorer = p

	saved, err := p.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rawState, string(saved))

	require.NoError(t, os.WriteFile(state, []byte(`{"version": 4, "serial": 9}`), 0o600))
	require.NoError(t, p.Restore(context.Background(), saved))

	data, err := os.ReadFile(state)
	require.NoError(t, err)
	assert.Equal(t, rawState, string(data))

	assert.Error(t, p.Restore(context.Background(), []byte("not json")))
}

func TestTerraformProvider_RemoteStateIsNotRestored(t *testing.T) {
	p := NewTerraformProvider(TerraformOptions{StateURL: "s3://b/k"}, nil, &fakeFetcher{}, logger.Discard())

	_, err := p.Backup(context.Background())
	assert.True(t, errors.Is(err, vahtierrors.ErrProvider))
	assert.True(t, errors.Is(p.Restore(context.Background(), []byte("{}")), vahtierrors.ErrProvider))
}
