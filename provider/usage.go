package provider

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Panels wrap the account object differently and some report both a running aggregate
// and an upload/download pair. The aggregate can lag behind the pair, so every valid
// reading is collected and the largest one wins.
var (
	usageWrappers = []string{"", "data", "obj", "user", "result", "data.user", "data.result", "obj.user"}

	usageAggregateKeys = []string{"used_traffic", "usedTraffic", "data_used", "traffic_used", "total_used", "usage"}

	usagePairKeys = [][2]string{
		{"up", "down"},
		{"upload", "download"},
		{"upload_bytes", "download_bytes"},
		{"uplink", "downlink"},
	}
)

// ResolveUsage extracts the usage counter from a panel response body.
// A body whose fields are all absent yields 0.
func ResolveUsage(body []byte) (int64, error) {
	if !gjson.ValidBytes(body) {
		return 0, ErrMalformedResponse
	}
	root := gjson.ParseBytes(body)
	if err := checkFailure(root); err != nil {
		return 0, err
	}

	var best int64
	for _, wrapper := range usageWrappers {
		obj := root
		if wrapper != "" {
			obj = root.Get(wrapper)
		}
		if !obj.IsObject() {
			continue
		}
		for _, key := range usageAggregateKeys {
			if v, ok := byteCount(obj.Get(key)); ok && v > best {
				best = v
			}
		}
		for _, pair := range usagePairKeys {
			up, okUp := byteCount(obj.Get(pair[0]))
			down, okDown := byteCount(obj.Get(pair[1]))
			if !okUp || !okDown {
				continue
			}
			if sum := up + down; sum > best {
				best = sum
			}
		}
	}
	return best, nil
}

// CheckSuccess validates a mutation response. An empty body counts as success.
func CheckSuccess(body []byte) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return ErrMalformedResponse
	}
	return checkFailure(gjson.ParseBytes(body))
}

func checkFailure(root gjson.Result) error {
	if s := root.Get("success"); s.Exists() {
		if s.Type == gjson.False || (s.Type == gjson.String && strings.EqualFold(s.Str, "false")) {
			return fmt.Errorf("%w: %s", ErrRemoteFailure, failureMessage(root))
		}
	}
	if s := root.Get("status"); s.Type == gjson.String {
		switch strings.ToLower(s.Str) {
		case "error", "fail", "failed":
			return fmt.Errorf("%w: %s", ErrRemoteFailure, failureMessage(root))
		}
	}
	return nil
}

func failureMessage(root gjson.Result) string {
	for _, key := range []string{"msg", "message", "detail", "error"} {
		if m := root.Get(key); m.Exists() && m.String() != "" {
			return m.String()
		}
	}
	return "no message"
}

// byteCount accepts non-negative integers given as JSON numbers or numeric strings.
func byteCount(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Number:
		if r.Num < 0 || math.IsInf(r.Num, 0) || math.IsNaN(r.Num) {
			return 0, false
		}
		return r.Int(), true
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, n >= 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f < math.MaxInt64 {
			return int64(f), true
		}
	}
	return 0, false
}
