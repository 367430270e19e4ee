package model

// Rule is one blocklist entry used by the ad/tracker filters.
type Rule struct {
	Type     string // "DOMAIN" | "DOMAIN-SUFFIX" | "DOMAIN-KEYWORD" | "URL-KEYWORD"
	Value    string // lower-cased domain, suffix or keyword
	Category string // "AD" | "TRACKER"
}
