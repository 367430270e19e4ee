package rules

import "testing"

func FuzzParseInlineRule(f *testing.F) {
	seed := []string{
		"",
		"  \n",
		"# comment",
		"DOMAIN,example.com,AD",
		"DOMAIN-SUFFIX,example.com,TRACKER",
		"DOMAIN-KEYWORD,google,AD",
		"URL-KEYWORD,/pixel,TRACKER",
		"DOMAIN,example.com",
		"IP-CIDR,1.2.3.0/24,AD",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		r, err := ParseInlineRule(line)
		if err != nil {
			return
		}
		if r.Type == "" {
			t.Fatalf("empty rule type")
		}
		if r.Category != CategoryAd && r.Category != CategoryTracker {
			t.Fatalf("bad category %q", r.Category)
		}
	})
}
