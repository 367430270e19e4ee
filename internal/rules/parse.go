package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

const (
	CategoryAd      = "AD"
	CategoryTracker = "TRACKER"
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ParseBlocklistText parses a blocklist file, one TYPE,VALUE[,CATEGORY] rule per
// line. Lines without a category get defaultCategory.
//
// stage is always "parse_blocklist".
func ParseBlocklistText(source string, text string, defaultCategory string) ([]model.Rule, error) {
	defaultCategory = strings.ToUpper(strings.TrimSpace(defaultCategory))
	if !validCategory(defaultCategory) {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "BLOCKLIST_PARSE_ERROR",
				Message: "blocklist 默认分类不合法",
				Stage:   "parse_blocklist",
				URL:     source,
				Hint:    "expected: AD or TRACKER",
			},
		}
	}

	lines := strings.Split(text, "\n")
	out := make([]model.Rule, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r, err := parseRuleLine(line, defaultCategory)
		if err != nil {
			var rerr *RuleError
			if errors.As(err, &rerr) {
				return nil, &ParseError{
					AppError: model.AppError{
						Code:    rerr.Code,
						Message: rerr.Message,
						Stage:   "parse_blocklist",
						URL:     source,
						Line:    i + 1,
						Snippet: truncateSnippet(raw, 200),
						Hint:    rerr.Hint,
					},
					Cause: rerr.Cause,
				}
			}
			return nil, &ParseError{
				AppError: model.AppError{
					Code:    "RULE_PARSE_ERROR",
					Message: "invalid rule line",
					Stage:   "parse_blocklist",
					URL:     source,
					Line:    i + 1,
					Snippet: truncateSnippet(raw, 200),
				},
				Cause: err,
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseInlineRule parses a single rule line. CATEGORY is required.
func ParseInlineRule(line string) (model.Rule, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is empty"}
	}
	if strings.HasPrefix(line, "#") {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is comment"}
	}
	return parseRuleLine(line, "")
}

func parseRuleLine(line string, defaultCategory string) (model.Rule, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则类型不能为空"}
	}

	typ := strings.ToUpper(parts[0])
	switch typ {
	case "DOMAIN", "DOMAIN-SUFFIX", "DOMAIN-KEYWORD", "URL-KEYWORD":
	default:
		return model.Rule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
		}
	}

	switch len(parts) {
	case 2:
		if defaultCategory == "" {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "规则缺少 CATEGORY",
				Hint:    "expected: TYPE,VALUE,CATEGORY",
			}
		}
		if parts[1] == "" {
			return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则 VALUE 不能为空"}
		}
		return newRule(typ, parts[1], defaultCategory), nil
	case 3:
		if parts[1] == "" || parts[2] == "" {
			return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则 VALUE/CATEGORY 不能为空"}
		}
		category := strings.ToUpper(parts[2])
		if !validCategory(category) {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: fmt.Sprintf("不支持的分类：%s", parts[2]),
				Hint:    "expected: AD or TRACKER",
			}
		}
		return newRule(typ, parts[1], category), nil
	default:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则字段数量不合法",
			Hint:    "expected: TYPE,VALUE[,CATEGORY]",
		}
	}
}

func newRule(typ, value, category string) model.Rule {
	value = strings.ToLower(value)
	if typ == "DOMAIN" || typ == "DOMAIN-SUFFIX" {
		value = strings.TrimSuffix(strings.TrimPrefix(value, "."), ".")
	}
	return model.Rule{Type: typ, Value: value, Category: category}
}

func validCategory(c string) bool {
	return c == CategoryAd || c == CategoryTracker
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
