package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/metal-toolbox/lbcfg/internal/configuration"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceFromEnv(t *testing.T) {
	t.Setenv("LBCFG_TEST_SECRET", "hunter2")

	source := NewSource("test secret", "LBCFG_TEST_SECRET", "", true)

	value, err := source.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
}

func TestSourceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("hunter2\n"), 0o600))

	source := NewSource("test secret", "", path, true)

	value, err := source.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
}

func TestSourceEnvTakesPrecedence(t *testing.T) {
	t.Setenv("LBCFG_TEST_SECRET", "from-env")

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))

	source := NewSource("test secret", "LBCFG_TEST_SECRET", path, true)

	value, err := source.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)
}

func TestSourceResolvesOnce(t *testing.T) {
	t.Setenv("LBCFG_TEST_SECRET", "first")

	source := NewSource("test secret", "LBCFG_TEST_SECRET", "", true)

	value, err := source.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "first", value)

	// the cached value survives the environment changing mid-run
	t.Setenv("LBCFG_TEST_SECRET", "second")

	value, err = source.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestSourceEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0o600))

	source := NewSource("test secret", "", path, true)

	_, err := source.Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestSourceMissingFile(t *testing.T) {
	source := NewSource("test secret", "", "/nonexistent/secret", true)

	_, err := source.Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestStore(t *testing.T) {
	t.Setenv("LBCFG_ADMIN_PASSWORD", "balpw")
	t.Setenv("LBCFG_KEMP_ID", "ops@example.com")
	t.Setenv("LBCFG_KEMP_PASSWORD", "kemppw")

	store := NewStore(&configuration.SecretsOptions{})

	password, err := store.AdminPassword()
	require.NoError(t, err)
	assert.Equal(t, "balpw", password)

	id, kempPassword, err := store.ActivationIdentity()
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", id)
	assert.Equal(t, "kemppw", kempPassword)
}
