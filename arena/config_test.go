package arena_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gpuarena/bfc/arena"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, arena.DefaultConfig().Validate())
}

func TestConfigValidateRejectsOutOfRange(t *testing.T) {
	config := arena.DefaultConfig()
	config.MaxMem = -1
	require.ErrorIs(t, config.Validate(), arena.InvalidConfigError)

	config = arena.DefaultConfig()
	config.ExtendStrategy = 2
	require.ErrorIs(t, config.Validate(), arena.InvalidConfigError)

	config = arena.DefaultConfig()
	config.ExtendStrategy = -2
	require.ErrorIs(t, config.Validate(), arena.InvalidConfigError)

	config = arena.DefaultConfig()
	config.InitialChunkSizeBytes = -2
	require.ErrorIs(t, config.Validate(), arena.InvalidConfigError)

	config = arena.DefaultConfig()
	config.MaxDeadBytesPerChunk = -17
	require.ErrorIs(t, config.Validate(), arena.InvalidConfigError)
}

func TestConfigFromKeyValuePairs(t *testing.T) {
	config, err := arena.ConfigFromKeyValuePairs(map[string]string{
		arena.ConfigKeyExtendStrategy:        "1",
		arena.ConfigKeyInitialChunkSizeBytes: "65536",
		arena.ConfigKeyMaxMem:                "1048576",
	})
	require.NoError(t, err)

	require.Equal(t, arena.SameAsRequested, config.ExtendStrategy)
	require.Equal(t, 65536, config.InitialChunkSizeBytes)
	require.Equal(t, 1048576, config.MaxMem)
	// Untouched keys keep their sentinels.
	require.Equal(t, -1, config.MaxDeadBytesPerChunk)
	require.Equal(t, -1, config.InitialGrowthChunkSizeBytes)
}

func TestConfigFromKeyValuePairsRejectsBadInput(t *testing.T) {
	_, err := arena.ConfigFromKeyValuePairs(map[string]string{
		"arena.not_a_real_key": "1",
	})
	require.ErrorIs(t, err, arena.InvalidConfigError)

	_, err = arena.ConfigFromKeyValuePairs(map[string]string{
		arena.ConfigKeyMaxMem: "one gigabyte",
	})
	require.ErrorIs(t, err, arena.InvalidConfigError)

	_, err = arena.ConfigFromKeyValuePairs(map[string]string{
		arena.ConfigKeyExtendStrategy: "5",
	})
	require.ErrorIs(t, err, arena.InvalidConfigError)
}

func TestLoadConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[arena]
extend_strategy = 1
initial_chunk_size_bytes = 262144
max_mem = 16777216
exclude_first_region_from_shrink = true
`), 0o644))

	config, err := arena.LoadConfigTOML(path)
	require.NoError(t, err)

	require.Equal(t, arena.SameAsRequested, config.ExtendStrategy)
	require.Equal(t, 262144, config.InitialChunkSizeBytes)
	require.Equal(t, 16777216, config.MaxMem)
	require.True(t, config.ExcludeFirstRegionFromShrink)
	require.Equal(t, -1, config.MaxPowerOfTwoExtendBytes)
}

func TestLoadConfigTOMLRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[arena]
initial_chunk_sizes = 4096
`), 0o644))

	_, err := arena.LoadConfigTOML(path)
	require.ErrorIs(t, err, arena.InvalidConfigError)
}

func TestLoadConfigTOMLRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[arena]
extend_strategy = 9
`), 0o644))

	_, err := arena.LoadConfigTOML(path)
	require.ErrorIs(t, err, arena.InvalidConfigError)
}

func TestLoadConfigTOMLMissingFile(t *testing.T) {
	_, err := arena.LoadConfigTOML(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestExtendStrategyString(t *testing.T) {
	require.Equal(t, "Default", arena.ExtendStrategyDefault.String())
	require.Equal(t, "NextPowerOfTwo", arena.NextPowerOfTwo.String())
	require.Equal(t, "SameAsRequested", arena.SameAsRequested.String())
	require.Equal(t, "Unknown", arena.ExtendStrategy(9).String())
}
