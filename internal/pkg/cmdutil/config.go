// Package cmdutil provides shared utilities for CLI command implementations.
package cmdutil

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/endorses/scrubcat/internal/pkg/constants"
)

// SetDefaults registers the default of every configuration key so that
// config files only need to name what they change.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("fragment.timeout", constants.FragmentTimeout)
	v.SetDefault("fragment.purge_interval", constants.FragmentPurgeInterval)
	v.SetDefault("fragment.max_entries", constants.FragmentMaxEntries)
	v.SetDefault("fragment.max_queues", constants.FragmentMaxQueues)
	v.SetDefault("fragment.entry_limit", constants.FragmentEntryLimit)
	v.SetDefault("fragment.ipv6_overlap_discard", true)
	v.SetDefault("fragment.wall_clock_purge", false)

	v.SetDefault("scrub.ts_fudge", constants.TSFudge)
	v.SetDefault("scrub.paws_max_idle", constants.PAWSMaxIdle)
	v.SetDefault("scrub.paws_max_conn", constants.PAWSMaxConn)
	v.SetDefault("scrub.default.reassemble", true)

	v.SetDefault("conntrack.idle_timeout", constants.ConnIdleTimeout)
	v.SetDefault("conntrack.sweep_every", constants.ConnSweepEvery)
}

// GetStringConfig returns the config value for key, or flagValue if the key is not set.
// Flag values take precedence over config file values.
func GetStringConfig(key, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return viper.GetString(key)
}

// GetIntConfig returns the config value for key, or flagValue if the key is not set.
func GetIntConfig(key string, flagValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return flagValue
}

// GetBoolConfig returns the config value for key, or flagValue if the key is not set.
func GetBoolConfig(key string, flagValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	return flagValue
}

// GetDurationConfig returns the config value for key, or flagValue if the
// key is not set. Values are Go durations ("90s", "24h").
func GetDurationConfig(key string, flagValue time.Duration) time.Duration {
	if viper.IsSet(key) {
		return viper.GetDuration(key)
	}
	return flagValue
}

// RequirePositive rejects a non-positive duration for key.
func RequirePositive(key string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return nil
}
