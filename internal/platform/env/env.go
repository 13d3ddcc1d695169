// Package env reads typed CUBEMOSAIC_* overrides. An unset variable yields the
// default; a set but malformed one is an error naming the variable.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Int(key string, def int) (int, error) {
	return parsed(key, def, strconv.Atoi)
}

func Float(key string, def float64) (float64, error) {
	return parsed(key, def, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func Bool(key string, def bool) (bool, error) {
	return parsed(key, def, strconv.ParseBool)
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return parsed(key, def, time.ParseDuration)
}

// List splits a comma separated value. Empty entries are dropped and an
// all-empty value falls back to def.
func List(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func parsed[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}
