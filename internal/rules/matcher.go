package rules

import (
	"net/url"
	"strings"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

// Matcher answers whether a resource URL belongs to a blocklist category.
// It is immutable after construction and safe for concurrent use.
type Matcher struct {
	domains  map[string]string // exact host -> category
	suffixes []model.Rule
	hostKW   []model.Rule
	urlKW    []model.Rule
}

func NewMatcher(rs []model.Rule) *Matcher {
	m := &Matcher{domains: make(map[string]string)}
	for _, r := range rs {
		switch r.Type {
		case "DOMAIN":
			m.domains[r.Value+"\x00"+r.Category] = r.Category
		case "DOMAIN-SUFFIX":
			m.suffixes = append(m.suffixes, r)
		case "DOMAIN-KEYWORD":
			m.hostKW = append(m.hostKW, r)
		case "URL-KEYWORD":
			m.urlKW = append(m.urlKW, r)
		}
	}
	return m
}

// Match reports whether u matches any rule of the given category.
func (m *Matcher) Match(u *url.URL, category string) bool {
	if m == nil || u == nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host != "" {
		if _, ok := m.domains[host+"\x00"+category]; ok {
			return true
		}
		for _, r := range m.suffixes {
			if r.Category == category && (host == r.Value || strings.HasSuffix(host, "."+r.Value)) {
				return true
			}
		}
		for _, r := range m.hostKW {
			if r.Category == category && strings.Contains(host, r.Value) {
				return true
			}
		}
	}
	if len(m.urlKW) > 0 {
		full := strings.ToLower(u.String())
		for _, r := range m.urlKW {
			if r.Category == category && strings.Contains(full, r.Value) {
				return true
			}
		}
	}
	return false
}

const defaultBlocklist = `
# trackers
URL-KEYWORD,analytics,TRACKER
URL-KEYWORD,tracking,TRACKER
URL-KEYWORD,pixel,TRACKER
DOMAIN-SUFFIX,google-analytics.com,TRACKER
DOMAIN-SUFFIX,googletagmanager.com,TRACKER
DOMAIN-SUFFIX,hotjar.com,TRACKER
DOMAIN-SUFFIX,segment.io,TRACKER
DOMAIN-SUFFIX,segment.com,TRACKER
DOMAIN-SUFFIX,mixpanel.com,TRACKER
DOMAIN-SUFFIX,scorecardresearch.com,TRACKER
DOMAIN,connect.facebook.net,TRACKER
DOMAIN-KEYWORD,hm.baidu,TRACKER
# ads
DOMAIN-SUFFIX,doubleclick.net,AD
DOMAIN-SUFFIX,googlesyndication.com,AD
DOMAIN-SUFFIX,googleadservices.com,AD
DOMAIN-SUFFIX,adnxs.com,AD
DOMAIN-SUFFIX,taboola.com,AD
DOMAIN-SUFFIX,outbrain.com,AD
DOMAIN-KEYWORD,adservice,AD
URL-KEYWORD,/ads/,AD
URL-KEYWORD,adsbygoogle,AD
`

// Default returns the built-in rules.
func Default() []model.Rule {
	rs, err := ParseBlocklistText("builtin", defaultBlocklist, CategoryAd)
	if err != nil {
		panic(err)
	}
	return rs
}
