package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaulted lookups shared by the Load* functions. Unparsable values fall
// back to the default rather than aborting startup.

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch strings.ToLower(os.Getenv(k)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func envSet(k, d string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(envStr(k, d), ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}

// envPosDur is envDur for settings that must stay positive; zero and
// negative values fall back to d.
func envPosDur(k string, d time.Duration) time.Duration {
	if dur := envDur(k, d); dur > 0 {
		return dur
	}
	return d
}
