package resolve

import (
	"net/url"
	"testing"
)

func TestResolve_Precedence(t *testing.T) {
	referer := "https://abc.decoy.example/proxy?url=" + url.QueryEscape("https://site.example/page?x=1")

	tests := []struct {
		name                           string
		path, query, referer, explicit string
		fallback                       string
		want                           string
		src                            Source
	}{
		{
			name: "explicit wins", path: "/app.js", referer: referer,
			explicit: "https://cdn.example/real.js", fallback: "https://fb.example",
			want: "https://cdn.example/real.js", src: SourceExplicit,
		},
		{
			name: "referer origin", path: "/static/app.js", query: "v=2", referer: referer,
			fallback: "https://fb.example",
			want:     "https://site.example/static/app.js?v=2", src: SourceReferer,
		},
		{
			name: "referer without url falls to fallback", path: "/a.css",
			referer: "https://abc.decoy.example/somewhere", fallback: "https://fb.example",
			want: "https://fb.example/a.css", src: SourceFallback,
		},
		{
			name: "bad explicit ignored", path: "/a.css", explicit: "javascript:alert(1)",
			referer: referer, want: "https://site.example/a.css", src: SourceReferer,
		},
		{
			name: "originalUrl stripped from joined query", path: "/a.css",
			query: "originalUrl=relative&v=1", referer: referer,
			want: "https://site.example/a.css?v=1", src: SourceReferer,
		},
		{
			name: "absent", path: "/a.css", referer: "", want: "", src: SourceNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, src := ResolveSource(tt.path, tt.query, tt.referer, tt.explicit, tt.fallback)
			if src != tt.src {
				t.Fatalf("src=%v, want=%v", src, tt.src)
			}
			if tt.want == "" {
				if got != nil {
					t.Fatalf("got=%v, want nil", got)
				}
				_, ok := Resolve(tt.path, tt.query, tt.referer, tt.explicit, tt.fallback)
				if ok {
					t.Fatalf("Resolve ok=true, want false")
				}
				return
			}
			if got.String() != tt.want {
				t.Fatalf("got=%q, want=%q", got.String(), tt.want)
			}
		})
	}
}

func TestRefererOrigin_NonHTTPInner(t *testing.T) {
	ref := "https://svc.example/proxy?url=" + url.QueryEscape("file:///etc/passwd")
	if _, ok := RefererOrigin(ref); ok {
		t.Fatalf("file:// must not be accepted")
	}
}
