package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces every environment variable read by clubhub.
const EnvPrefix = "CLUBHUB_"

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// EnvString reads CLUBHUB_<name> with a default.
func EnvString(name, def string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return def
}

// EnvBool reads CLUBHUB_<name> as a bool; unparsable values keep def.
func EnvBool(name string, def bool) bool {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads CLUBHUB_<name> as a positive int.
func EnvInt(name string, def int) int {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvFloat reads CLUBHUB_<name> as a non-negative float.
func EnvFloat(name string, def float64) float64 {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

// EnvDuration reads CLUBHUB_<name> as a positive duration ("15s").
func EnvDuration(name string, def time.Duration) time.Duration {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
