package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.ShardCountDefault)
	require.Equal(t, 50000, cfg.ImportMaxRows)
	require.Equal(t, 31, cfg.SettlementMaxSpanDays)
	require.False(t, cfg.IsProduction())

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SETTLEMENT_TIMEZONE", "Asia/Shanghai")
	t.Setenv("SHARD_COUNT_DEFAULT", "16")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("PG_MAX_CONNS", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 16, cfg.ShardCountDefault)

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Shanghai", loc.String())

	require.Equal(t, "redis:6380", cfg.Redis().Addr)
	require.Equal(t, 2, cfg.Redis().AsynqOpt().DB)
	require.Equal(t, int32(8), cfg.DB().MaxConns)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SHARD_COUNT_DEFAULT", "0")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "SHARD_COUNT_DEFAULT")

	t.Setenv("SHARD_COUNT_DEFAULT", "10")
	t.Setenv("SETTLEMENT_TIMEZONE", "Mars/Olympus")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "SETTLEMENT_TIMEZONE")
}

func TestSkipStartupFrom(t *testing.T) {
	env := func(v string) func(string) string {
		return func(key string) string {
			if key == SkipStartupEnv {
				return v
			}
			return ""
		}
	}
	require.True(t, skipStartupFrom(env("1")))
	require.True(t, skipStartupFrom(env(" TRUE ")))
	require.False(t, skipStartupFrom(env("")))
	require.False(t, skipStartupFrom(env("0")))
}
