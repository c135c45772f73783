// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Option is a loosely typed bag of provider tuning knobs, keyed with dotted
// paths ("listen.model", "listen.vad_silence_ms"). Values arrive from config
// unmarshalling, so getters accept both native and string representations.
type Option map[string]interface{}

// GetString returns the option as a string.
func (o Option) GetString(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("option %q is not set", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// GetBool returns the option as a bool.
func (o Option) GetBool(key string) (bool, error) {
	v, ok := o[key]
	if !ok {
		return false, fmt.Errorf("option %q is not set", key)
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	default:
		return false, fmt.Errorf("option %q is not a bool", key)
	}
}

// GetInt returns the option as an int.
func (o Option) GetInt(key string) (int, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q is not set", key)
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("option %q is not an int", key)
	}
}

// GetUint64 returns the option as a uint64.
func (o Option) GetUint64(key string) (uint64, error) {
	v, err := o.GetInt(key)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("option %q is negative", key)
	}
	return uint64(v), nil
}

// GetFloat64 returns the option as a float64.
func (o Option) GetFloat64(key string) (float64, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q is not set", key)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("option %q is not a float", key)
	}
}

// StringOr returns the option or a default when missing or empty.
func (o Option) StringOr(key, def string) string {
	if v, err := o.GetString(key); err == nil && !IsEmpty(v) {
		return v
	}
	return def
}

// IntOr returns the option or a default when missing.
func (o Option) IntOr(key string, def int) int {
	if v, err := o.GetInt(key); err == nil {
		return v
	}
	return def
}

// BoolOr returns the option or a default when missing.
func (o Option) BoolOr(key string, def bool) bool {
	if v, err := o.GetBool(key); err == nil {
		return v
	}
	return def
}

// FloatOr returns the option or a default when missing.
func (o Option) FloatOr(key string, def float64) float64 {
	if v, err := o.GetFloat64(key); err == nil {
		return v
	}
	return def
}
