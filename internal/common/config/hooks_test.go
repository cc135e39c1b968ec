package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sizedConfig struct {
	Memory ByteSize
	Limit  ByteSize
}

func TestByteSizeDecodeHook(t *testing.T) {
	v := viper.New()
	v.Set("memory", "4GiB")
	v.Set("limit", 1024)

	var config sizedConfig
	require.NoError(t, v.Unmarshal(&config, CustomHooks...))

	assert.Equal(t, ByteSize(4*1024*1024*1024), config.Memory)
	assert.Equal(t, ByteSize(1024), config.Limit)
	assert.Equal(t, "4.0 GiB", config.Memory.String())
}

func TestByteSizeDecodeHook_RejectsGarbage(t *testing.T) {
	v := viper.New()
	v.Set("memory", "lots")

	var config sizedConfig
	assert.Error(t, v.Unmarshal(&config, CustomHooks...))
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "Redis.Addrs", stripPrefix("Configuration.Redis.Addrs"))
	assert.Equal(t, "Addrs", stripPrefix("Addrs"))
}
