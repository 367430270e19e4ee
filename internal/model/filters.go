package model

import (
	"net/url"
	"strings"
)

// FilterSet is the set of content filters applied to a rewritten page.
// Each flag is independent; the rewrite engine applies them in a fixed order.
type FilterSet struct {
	RemoveAds       bool `json:"removeAds,omitempty"`
	RemoveTrackers  bool `json:"removeTrackers,omitempty"`
	RemoveSensitive bool `json:"removeSensitive,omitempty"`
	AddWarning      bool `json:"addWarning,omitempty"`
	Optimize        bool `json:"optimize,omitempty"`
}

// Query parameter names, in serialisation order.
const (
	ParamRemoveAds       = "removeAds"
	ParamRemoveTrackers  = "removeTrackers"
	ParamRemoveSensitive = "removeSensitive"
	ParamAddWarning      = "addWarning"
	ParamOptimize        = "optimize"
)

// ParseFilterSet reads the filter flags from a query. Missing or unrecognised
// values are false.
func ParseFilterSet(q url.Values) FilterSet {
	return FilterSet{
		RemoveAds:       parseBool(q.Get(ParamRemoveAds)),
		RemoveTrackers:  parseBool(q.Get(ParamRemoveTrackers)),
		RemoveSensitive: parseBool(q.Get(ParamRemoveSensitive)),
		AddWarning:      parseBool(q.Get(ParamAddWarning)),
		Optimize:        parseBool(q.Get(ParamOptimize)),
	}
}

// Union returns a set with every flag that is on in either f or o.
func (f FilterSet) Union(o FilterSet) FilterSet {
	return FilterSet{
		RemoveAds:       f.RemoveAds || o.RemoveAds,
		RemoveTrackers:  f.RemoveTrackers || o.RemoveTrackers,
		RemoveSensitive: f.RemoveSensitive || o.RemoveSensitive,
		AddWarning:      f.AddWarning || o.AddWarning,
		Optimize:        f.Optimize || o.Optimize,
	}
}

func (f FilterSet) Any() bool {
	return f.RemoveAds || f.RemoveTrackers || f.RemoveSensitive || f.AddWarning || f.Optimize
}

// Query serialises the enabled flags as "&name=true" pairs in a fixed order.
// The result is empty when no flag is set.
func (f FilterSet) Query() string {
	var b strings.Builder
	for _, p := range []struct {
		name string
		on   bool
	}{
		{ParamRemoveAds, f.RemoveAds},
		{ParamRemoveTrackers, f.RemoveTrackers},
		{ParamRemoveSensitive, f.RemoveSensitive},
		{ParamAddWarning, f.AddWarning},
		{ParamOptimize, f.Optimize},
	} {
		if p.on {
			b.WriteByte('&')
			b.WriteString(p.name)
			b.WriteString("=true")
		}
	}
	return b.String()
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
