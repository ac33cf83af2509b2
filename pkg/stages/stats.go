package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
)

// Stats logs size and complexity metrics for stylesheets and warns about rules that share at
// least min_shared declarations. If report is set, the metrics are also written as JSON next to
// the passed items.
type Stats struct{}

type cssStats struct {
	Path         string `json:"path"`
	Size         int    `json:"size"`
	Rules        int    `json:"rules"`
	Selectors    int    `json:"selectors"`
	Declarations int    `json:"declarations"`
	AtRules      int    `json:"at_rules"`
	// Redundant lists pairs of rules with overlapping declarations
	Redundant []cssRedundancy `json:"redundant,omitempty"`
}

type cssRedundancy struct {
	Selectors [2]string `json:"selectors"`
	Shared    []string  `json:"shared"`
}

type cssRule struct {
	selector     string
	declarations []string
}

type statsReport struct {
	Files []cssStats `json:"files"`
	Total cssStats   `json:"total"`
}

func (Stats) Name() string { return "stats" }

func (Stats) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "report", Kind: buildsys.OptionString, Help: "path of the JSON report"},
		{Name: "min_shared", Kind: buildsys.OptionInt, Default: 3, Help: "number of shared declarations that make two rules redundant; 0 disables the check"},
	}
}

func (Stats) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	report := statsReport{
		Files: make([]cssStats, 0, len(req.Items)),
		Total: cssStats{Path: "*"},
	}

	minShared := int(req.Options.Int("min_shared"))

	for _, item := range req.Items {
		stats, rules := analyzeCSS(item.Content)
		stats.Path = item.Path
		if minShared > 0 {
			stats.Redundant = findRedundantRules(rules, minShared)
		}

		req.Logger.Info().
			Str("path", item.Path).
			Int("size", stats.Size).
			Int("rules", stats.Rules).
			Int("selectors", stats.Selectors).
			Int("declarations", stats.Declarations).
			Msg("stylesheet stats")

		for _, r := range stats.Redundant {
			req.Logger.Warn().
				Str("path", item.Path).
				Strs("shared", r.Shared).
				Msgf("%s and %s share %d declarations", r.Selectors[0], r.Selectors[1], len(r.Shared))
		}

		report.Files = append(report.Files, stats)
		report.Total.Size += stats.Size
		report.Total.Rules += stats.Rules
		report.Total.Selectors += stats.Selectors
		report.Total.Declarations += stats.Declarations
		report.Total.AtRules += stats.AtRules
	}

	result := append([]*buildsys.Item{}, req.Items...)
	if req.Options.String("report") != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, eris.Wrap(err, "failed to encode report")
		}

		result = append(result, &buildsys.Item{
			Path:    req.Options.String("report"),
			Content: append(data, '\n'),
			Meta:    map[string]string{},
		})
	}

	return result, nil
}

func analyzeCSS(src []byte) (cssStats, []cssRule) {
	stats := cssStats{Size: len(src)}
	src = stripCSSComments(src)

	rules := []cssRule{}
	// index into rules for style rules, -1 for at-rule blocks
	stack := []int{}
	start := 0
	prelude := func(end int) []byte {
		return bytes.TrimSpace(src[start:end])
	}
	inRule := func() bool {
		return len(stack) > 0 && stack[len(stack)-1] >= 0
	}
	addDeclaration := func(text []byte) {
		stats.Declarations++
		rule := &rules[stack[len(stack)-1]]
		rule.declarations = append(rule.declarations, normalizeDeclaration(text))
	}

	for pos := 0; pos < len(src); pos++ {
		switch src[pos] {
		case '"', '\'':
			pos = skipString(src, pos) - 1
		case '{':
			text := prelude(pos)
			if bytes.HasPrefix(text, []byte("@")) {
				stats.AtRules++
				stack = append(stack, -1)
			} else {
				stats.Rules++
				selectors := []string{}
				for _, sel := range bytes.Split(text, []byte(",")) {
					if sel = bytes.TrimSpace(sel); len(sel) > 0 {
						stats.Selectors++
						selectors = append(selectors, string(sel))
					}
				}
				stack = append(stack, len(rules))
				rules = append(rules, cssRule{selector: strings.Join(selectors, ", ")})
			}
			start = pos + 1
		case ';':
			text := prelude(pos)
			if inRule() {
				if len(text) > 0 {
					addDeclaration(text)
				}
			} else if bytes.HasPrefix(text, []byte("@")) {
				stats.AtRules++
			}
			start = pos + 1
		case '}':
			if len(stack) > 0 {
				if text := prelude(pos); inRule() && len(text) > 0 {
					addDeclaration(text)
				}
				stack = stack[:len(stack)-1]
			}
			start = pos + 1
		}
	}

	return stats, rules
}

// normalizeDeclaration lowercases the property and collapses whitespace in the value
func normalizeDeclaration(text []byte) string {
	parts := strings.SplitN(string(text), ":", 2)
	prop := strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) == 1 {
		return prop
	}
	return prop + ": " + strings.Join(strings.Fields(parts[1]), " ")
}

// findRedundantRules returns every pair of rules sharing at least minShared declarations
func findRedundantRules(rules []cssRule, minShared int) []cssRedundancy {
	result := []cssRedundancy{}
	for a := 0; a < len(rules); a++ {
		declared := make(map[string]bool, len(rules[a].declarations))
		for _, decl := range rules[a].declarations {
			declared[decl] = true
		}

		for b := a + 1; b < len(rules); b++ {
			shared := []string{}
			seen := map[string]bool{}
			for _, decl := range rules[b].declarations {
				if declared[decl] && !seen[decl] {
					seen[decl] = true
					shared = append(shared, decl)
				}
			}

			if len(shared) >= minShared {
				sort.Strings(shared)
				result = append(result, cssRedundancy{
					Selectors: [2]string{rules[a].selector, rules[b].selector},
					Shared:    shared,
				})
			}
		}
	}
	return result
}

// stripCSSComments replaces every comment with a single space
func stripCSSComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for pos := 0; pos < len(src); {
		switch {
		case src[pos] == '"' || src[pos] == '\'':
			next := skipString(src, pos)
			out = append(out, src[pos:next]...)
			pos = next
		case src[pos] == '/' && pos+1 < len(src) && src[pos+1] == '*':
			end := bytes.Index(src[pos+2:], []byte("*/"))
			if end < 0 {
				return out
			}
			out = append(out, ' ')
			pos += end + 4
		default:
			out = append(out, src[pos])
			pos++
		}
	}
	return out
}
