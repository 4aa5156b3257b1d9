package model

import (
	"encoding/json"
	"strings"
)

// SuspensionReason is a set of reasons a config was disabled automatically.
// A config can carry several reasons at once; it is only re-enabled by the sweep
// for a reason it actually carries.
type SuspensionReason uint8

const (
	ReasonResellerQuota SuspensionReason = 1 << iota
	ReasonTimeWindow
	ReasonWallet
	ReasonConfigOverrun
)

const allReasons = ReasonResellerQuota | ReasonTimeWindow | ReasonWallet | ReasonConfigOverrun

// Legacy meta keys written by older code paths.
const (
	MetaDisabledByResellerSuspension = "disabled_by_reseller_suspension"
	MetaSuspendedByTimeWindow        = "suspended_by_time_window"
	MetaDisabledByWalletSuspension   = "disabled_by_wallet_suspension"
	MetaDisabledByTrafficOverrun     = "disabled_by_traffic_overrun"
	MetaDisabledByResellerId         = "disabled_by_reseller_id"
	MetaDisabledAt                   = "disabled_at"
	MetaSuspensionReason             = "disabled_by_reseller_suspension_reason"
)

var reasonNames = []struct {
	reason  SuspensionReason
	tag     string
	metaKey string
}{
	{ReasonResellerQuota, "reseller_quota", MetaDisabledByResellerSuspension},
	{ReasonTimeWindow, "time_window", MetaSuspendedByTimeWindow},
	{ReasonWallet, "wallet", MetaDisabledByWalletSuspension},
	{ReasonConfigOverrun, "config_overrun", MetaDisabledByTrafficOverrun},
}

func (r SuspensionReason) Has(other SuspensionReason) bool {
	return other != 0 && r&other == other
}

func (r SuspensionReason) Add(other SuspensionReason) SuspensionReason {
	return r | other
}

func (r SuspensionReason) Remove(other SuspensionReason) SuspensionReason {
	return r &^ other
}

func (r SuspensionReason) IsZero() bool {
	return r&allReasons == 0
}

// MetaKey returns the legacy meta marker key for a single reason.
func (r SuspensionReason) MetaKey() string {
	for _, n := range reasonNames {
		if n.reason == r {
			return n.metaKey
		}
	}
	return ""
}

func (r SuspensionReason) String() string {
	if r.IsZero() {
		return "none"
	}
	var tags []string
	for _, n := range reasonNames {
		if r.Has(n.reason) {
			tags = append(tags, n.tag)
		}
	}
	return strings.Join(tags, ",")
}

// ParseSuspensionReason parses a single reason tag. "traffic" and "quota" are accepted
// aliases of reseller_quota, "window" of time_window.
func ParseSuspensionReason(tag string) (SuspensionReason, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "reseller_quota", "quota", "traffic", "quota_exhausted":
		return ReasonResellerQuota, true
	case "time_window", "window", "window_expired":
		return ReasonTimeWindow, true
	case "wallet":
		return ReasonWallet, true
	case "config_overrun":
		return ReasonConfigOverrun, true
	}
	return 0, false
}

// IsTruthyMarker reports whether a legacy meta value marks a config as suspended.
// Markers were written as true, 1, "1" and "true" over time. Decoding turns 1 into float64,
// or json.Number when the bag is scanned from the database.
func IsTruthyMarker(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t == 1
	case int64:
		return t == 1
	case float64:
		return t == 1
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 1
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "1" || s == "true"
	}
	return false
}

// LegacyMarkers returns the reasons encoded in a legacy meta bag.
func LegacyMarkers(meta map[string]any) SuspensionReason {
	var r SuspensionReason
	for _, n := range reasonNames {
		if IsTruthyMarker(meta[n.metaKey]) {
			r = r.Add(n.reason)
		}
	}
	return r
}

// ClearLegacyMarkers returns a copy of meta without any suspension bookkeeping keys.
func ClearLegacyMarkers(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cleaned := make(map[string]any, len(meta))
	for k, v := range meta {
		cleaned[k] = v
	}
	for _, n := range reasonNames {
		delete(cleaned, n.metaKey)
	}
	delete(cleaned, MetaDisabledByResellerId)
	delete(cleaned, MetaDisabledAt)
	delete(cleaned, MetaSuspensionReason)
	return cleaned
}

// ClearLegacyMarker returns a copy of meta without the marker of the given reasons.
func ClearLegacyMarker(meta map[string]any, r SuspensionReason) map[string]any {
	if meta == nil {
		return nil
	}
	cleaned := make(map[string]any, len(meta))
	for k, v := range meta {
		cleaned[k] = v
	}
	for _, n := range reasonNames {
		if r.Has(n.reason) {
			delete(cleaned, n.metaKey)
		}
	}
	return cleaned
}
