package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// decodeObject parses payload as a JSON object. Anything else yields nil.
func decodeObject(payload []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil
	}
	return obj
}

// lookup returns the first present key, case-insensitively, from obj.
func lookup(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	for k, v := range obj {
		for _, want := range keys {
			if v != nil && strings.EqualFold(k, want) {
				return v, true
			}
		}
	}
	return nil, false
}

// nested returns the object under the first present key.
func nested(obj map[string]any, keys ...string) map[string]any {
	v, ok := lookup(obj, keys...)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

var magnitudes = map[byte]float64{'k': 1e3, 'm': 1e6, 'b': 1e9, 't': 1e12}

// toNumber accepts JSON numbers and strings like "70%", "$4.2B" or "1,200".
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && finite(f)
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		s = strings.TrimPrefix(s, "$")
		s = strings.TrimSuffix(s, "%")
		s = strings.ReplaceAll(s, ",", "")
		mult := 1.0
		if len(s) > 1 {
			if m, ok := magnitudes[s[len(s)-1]]; ok {
				mult = m
				s = s[:len(s)-1]
			}
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || !finite(f*mult) {
			return 0, false
		}
		return f * mult, true
	}
	return 0, false
}

// finite rejects the NaN and infinity ParseFloat accepts.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed.UTC(), true
			}
		}
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
		if t > 0 {
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func toList(v any) []any {
	l, _ := v.([]any)
	return l
}
