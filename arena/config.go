package arena

import (
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// ExtendStrategy selects how the arena sizes new regions when it runs out of
// free chunks.
type ExtendStrategy int

const (
	// ExtendStrategyDefault resolves to NextPowerOfTwo.
	ExtendStrategyDefault ExtendStrategy = -1
	// NextPowerOfTwo grows regions geometrically, doubling the target region
	// size until it covers the request.
	NextPowerOfTwo ExtendStrategy = 0
	// SameAsRequested sizes each new region to exactly the rounded request.
	SameAsRequested ExtendStrategy = 1
)

func (s ExtendStrategy) String() string {
	switch s {
	case ExtendStrategyDefault:
		return "Default"
	case NextPowerOfTwo:
		return "NextPowerOfTwo"
	case SameAsRequested:
		return "SameAsRequested"
	}
	return "Unknown"
}

const (
	DefaultInitialChunkSizeBytes       = 1 * 1024 * 1024
	DefaultMaxDeadBytesPerChunk        = 128 * 1024 * 1024
	DefaultInitialGrowthChunkSizeBytes = 2 * 1024 * 1024
	DefaultMaxPowerOfTwoExtendBytes    = 1024 * 1024 * 1024
)

// Config key names accepted by ConfigFromKeyValuePairs.
const (
	ConfigKeyExtendStrategy              = "arena.extend_strategy"
	ConfigKeyInitialChunkSizeBytes       = "arena.initial_chunk_size_bytes"
	ConfigKeyMaxDeadBytesPerChunk        = "arena.max_dead_bytes_per_chunk"
	ConfigKeyInitialGrowthChunkSizeBytes = "arena.initial_growth_chunk_size_bytes"
	ConfigKeyMaxPowerOfTwoExtendBytes    = "arena.max_power_of_two_extend_bytes"
	ConfigKeyMaxMem                      = "arena.max_mem"
)

// InvalidConfigError is returned from Config.Validate and the arena
// constructors when a configuration field is out of range.
var InvalidConfigError error = errors.New("invalid arena configuration")

// Config controls arena sizing behavior. The zero value of each sizing field
// is meaningful, so "use the default" is spelled -1. DefaultConfig returns a
// Config with every field set to its sentinel.
type Config struct {
	// MaxMem caps the total bytes the arena may hold from its device
	// allocator. 0 means unlimited.
	MaxMem int `toml:"max_mem"`
	// ExtendStrategy picks the region growth policy. -1 selects
	// NextPowerOfTwo.
	ExtendStrategy ExtendStrategy `toml:"extend_strategy"`
	// InitialChunkSizeBytes is the target size of the first region. -1
	// selects 1MB.
	InitialChunkSizeBytes int `toml:"initial_chunk_size_bytes"`
	// MaxDeadBytesPerChunk bounds how many surplus bytes may be left attached
	// to an allocation before the arena splits the chunk. -1 selects 128MB.
	MaxDeadBytesPerChunk int `toml:"max_dead_bytes_per_chunk"`
	// InitialGrowthChunkSizeBytes is the region size growth restarts from
	// after a Shrink. -1 selects 2MB.
	InitialGrowthChunkSizeBytes int `toml:"initial_growth_chunk_size_bytes"`
	// MaxPowerOfTwoExtendBytes caps geometric region growth. -1 selects 1GB.
	MaxPowerOfTwoExtendBytes int `toml:"max_power_of_two_extend_bytes"`
	// ExcludeFirstRegionFromShrink keeps the arena's first region alive
	// across Shrink calls even when it is entirely free.
	ExcludeFirstRegionFromShrink bool `toml:"exclude_first_region_from_shrink"`
}

func DefaultConfig() Config {
	return Config{
		MaxMem:                      0,
		ExtendStrategy:              ExtendStrategyDefault,
		InitialChunkSizeBytes:       -1,
		MaxDeadBytesPerChunk:        -1,
		InitialGrowthChunkSizeBytes: -1,
		MaxPowerOfTwoExtendBytes:    -1,
	}
}

func (c Config) Validate() error {
	if c.MaxMem < 0 {
		return errors.Wrapf(InvalidConfigError, "max_mem must be 0 or positive, got %d", c.MaxMem)
	}
	if c.ExtendStrategy < ExtendStrategyDefault || c.ExtendStrategy > SameAsRequested {
		return errors.Wrapf(InvalidConfigError, "extend_strategy must be -1, 0 or 1, got %d", c.ExtendStrategy)
	}
	if c.InitialChunkSizeBytes < -1 {
		return errors.Wrapf(InvalidConfigError, "initial_chunk_size_bytes must be -1 or higher, got %d", c.InitialChunkSizeBytes)
	}
	if c.MaxDeadBytesPerChunk < -1 {
		return errors.Wrapf(InvalidConfigError, "max_dead_bytes_per_chunk must be -1 or higher, got %d", c.MaxDeadBytesPerChunk)
	}
	if c.InitialGrowthChunkSizeBytes < -1 {
		return errors.Wrapf(InvalidConfigError, "initial_growth_chunk_size_bytes must be -1 or higher, got %d", c.InitialGrowthChunkSizeBytes)
	}
	if c.MaxPowerOfTwoExtendBytes < -1 {
		return errors.Wrapf(InvalidConfigError, "max_power_of_two_extend_bytes must be -1 or higher, got %d", c.MaxPowerOfTwoExtendBytes)
	}
	return nil
}

// withDefaults returns a copy of c with every sentinel replaced by its
// concrete default.
func (c Config) withDefaults() Config {
	if c.ExtendStrategy == ExtendStrategyDefault {
		c.ExtendStrategy = NextPowerOfTwo
	}
	if c.InitialChunkSizeBytes < 0 {
		c.InitialChunkSizeBytes = DefaultInitialChunkSizeBytes
	}
	if c.MaxDeadBytesPerChunk < 0 {
		c.MaxDeadBytesPerChunk = DefaultMaxDeadBytesPerChunk
	}
	if c.InitialGrowthChunkSizeBytes < 0 {
		c.InitialGrowthChunkSizeBytes = DefaultInitialGrowthChunkSizeBytes
	}
	if c.MaxPowerOfTwoExtendBytes < 0 {
		c.MaxPowerOfTwoExtendBytes = DefaultMaxPowerOfTwoExtendBytes
	}
	return c
}

// ConfigFromKeyValuePairs builds a Config from string key/value pairs, the
// form session options arrive in. Unknown keys are rejected so typos fail
// loudly.
func ConfigFromKeyValuePairs(pairs map[string]string) (Config, error) {
	config := DefaultConfig()

	for key, value := range pairs {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, errors.Wrapf(InvalidConfigError, "key %s has non-integer value %q", key, value)
		}

		switch key {
		case ConfigKeyExtendStrategy:
			config.ExtendStrategy = ExtendStrategy(parsed)
		case ConfigKeyInitialChunkSizeBytes:
			config.InitialChunkSizeBytes = parsed
		case ConfigKeyMaxDeadBytesPerChunk:
			config.MaxDeadBytesPerChunk = parsed
		case ConfigKeyInitialGrowthChunkSizeBytes:
			config.InitialGrowthChunkSizeBytes = parsed
		case ConfigKeyMaxPowerOfTwoExtendBytes:
			config.MaxPowerOfTwoExtendBytes = parsed
		case ConfigKeyMaxMem:
			config.MaxMem = parsed
		default:
			return Config{}, errors.Wrapf(InvalidConfigError, "unknown config key %s", key)
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfigTOML reads a Config from the [arena] table of a TOML file. Keys
// absent from the file keep their defaults.
func LoadConfigTOML(path string) (Config, error) {
	document := struct {
		Arena Config `toml:"arena"`
	}{
		Arena: DefaultConfig(),
	}

	metadata, err := toml.DecodeFile(path, &document)
	if err != nil {
		return Config{}, errors.Wrapf(err, "could not decode arena config at %s", path)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Wrapf(InvalidConfigError, "unknown config key %s in %s", undecoded[0].String(), path)
	}

	if err := document.Arena.Validate(); err != nil {
		return Config{}, err
	}
	return document.Arena, nil
}
