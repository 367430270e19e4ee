package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

// ResolveCandidates turns try-path entries into absolute URLs. Relative
// entries are resolved against base.
func ResolveCandidates(base *url.URL, candidates []string) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		ref, err := url.Parse(c)
		if err != nil {
			return nil, fmt.Errorf("invalid try path %q: %w", c, err)
		}
		u := base.ResolveReference(ref)
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("invalid try path %q: scheme must be http or https", c)
		}
		out = append(out, u)
	}
	return out, nil
}

// FetchFirst tries candidates in order and returns the first 200 response with
// a non-empty body. 404, 403 and empty 200 responses move on to the next
// candidate; any other status or error stops the sequence.
func (d *Dispatcher) FetchFirst(ctx context.Context, req Request, candidates []*url.URL) (*Response, error) {
	stage := req.Kind.stage()
	lastStatus := 0
	for i, c := range candidates {
		r := req
		r.Target = c
		resp, err := d.Fetch(ctx, r)
		if err != nil {
			return nil, err
		}
		lastStatus = resp.Status
		switch {
		case resp.Status == http.StatusOK && len(resp.Body) > 0:
			return resp, nil
		case resp.Status == http.StatusOK, resp.Status == http.StatusNotFound, resp.Status == http.StatusForbidden:
			d.log.Debug("try path missed", "target", c.String(), "status", resp.Status, "index", i)
			continue
		default:
			return nil, &FetchError{
				Status: http.StatusBadGateway,
				AppError: model.AppError{
					Code:    "UPSTREAM_STATUS",
					Message: fmt.Sprintf("上游返回状态码：%d", resp.Status),
					Stage:   stage,
					URL:     c.String(),
				},
			}
		}
	}

	target := ""
	if req.Target != nil {
		target = req.Target.String()
	}
	return nil, &FetchError{
		Status: http.StatusBadGateway,
		AppError: model.AppError{
			Code:    "UPSTREAM_STATUS",
			Message: fmt.Sprintf("所有候选路径均失败（最后状态码：%d）", lastStatus),
			Stage:   stage,
			URL:     target,
		},
	}
}
