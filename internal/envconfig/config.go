// Package envconfig reads pre-packing settings from the environment.
//
// Every setting is a function so that it picks up the environment at the time
// of the call.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel returns the log level for PREPACK_DEBUG.
// Values are 0 or false for INFO (the default), 1 or true for DEBUG, and 2
// for TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("PREPACK_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// ShareWeights shares packed weights across models through one cache.
	ShareWeights = BoolWithDefault("PREPACK_SHARE_WEIGHTS")
	// SavePrepacked writes packed weights next to the model when saving.
	SavePrepacked = Bool("PREPACK_SAVE")
	// VerifyChecksums checks packed segments read from disk against their
	// recorded checksum.
	VerifyChecksums = BoolWithDefault("PREPACK_VERIFY_CHECKSUMS")
	// Device is the allocator device packed weights are placed on.
	Device = StringWithDefault("PREPACK_DEVICE", "Cpu")
	// BlobFile names the external data file packed weights are appended to.
	BlobFile = String("PREPACK_BLOB_FILE")
)

// MaxParallel returns the number of models loaded at once, at least 1.
func MaxParallel() int {
	if n := Uint("PREPACK_MAX_PARALLEL", 0)(); n > 0 {
		return int(n)
	}
	return max(1, runtime.GOMAXPROCS(0))
}

// BoolWithDefault returns a getter for a boolean variable. A value that does
// not parse counts as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for a boolean variable that defaults to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a getter for a string variable.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// StringWithDefault returns a getter for a string variable with a default.
func StringWithDefault(s, defaultValue string) func() string {
	return func() string {
		if v := Var(s); v != "" {
			return v
		}
		return defaultValue
	}
}

// Uint returns a getter for an unsigned integer variable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one setting.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every setting with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PREPACK_DEBUG":            {"PREPACK_DEBUG", LogLevel(), "Show additional debug information (e.g. PREPACK_DEBUG=1)"},
		"PREPACK_SHARE_WEIGHTS":    {"PREPACK_SHARE_WEIGHTS", ShareWeights(true), "Share packed weights across models (default true)"},
		"PREPACK_SAVE":             {"PREPACK_SAVE", SavePrepacked(), "Write packed weights next to the model"},
		"PREPACK_VERIFY_CHECKSUMS": {"PREPACK_VERIFY_CHECKSUMS", VerifyChecksums(true), "Verify packed segments read from disk (default true)"},
		"PREPACK_DEVICE":           {"PREPACK_DEVICE", Device(), "Device packed weights are allocated on (default \"Cpu\")"},
		"PREPACK_MAX_PARALLEL":     {"PREPACK_MAX_PARALLEL", MaxParallel(), "Maximum number of models packed at once"},
		"PREPACK_BLOB_FILE":        {"PREPACK_BLOB_FILE", BlobFile(), "External data file packed weights are appended to"},
	}
}

// Values returns every setting's current value as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of surrounding spaces and
// quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
