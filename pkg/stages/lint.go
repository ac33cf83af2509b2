package stages

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
)

// Lint checks every line of every item and fails if any problem was found. All problems are
// logged before the stage fails.
type Lint struct{}

type lintProblem struct {
	path    string
	line    int
	message string
}

func (Lint) Name() string { return "lint" }

func (Lint) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "forbid", Kind: buildsys.OptionList, Help: "regular expressions that must not match any line"},
		{Name: "max_line_length", Kind: buildsys.OptionInt, Default: 0, Help: "maximum line length; 0 disables the check"},
		{Name: "trailing_whitespace", Kind: buildsys.OptionBool, Default: true, Help: "report trailing whitespace"},
	}
}

func (Lint) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	forbidden := make([]*regexp.Regexp, 0, len(req.Options.List("forbid")))
	for _, pattern := range req.Options.List("forbid") {
		rx, err := regexp.Compile(pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid forbid pattern %s", pattern)
		}
		forbidden = append(forbidden, rx)
	}

	maxLen := int(req.Options.Int("max_line_length"))
	trailing := req.Options.Bool("trailing_whitespace")

	problems := []lintProblem{}
	for _, item := range req.Items {
		for idx, line := range bytes.Split(item.Content, []byte("\n")) {
			line = bytes.TrimSuffix(line, []byte("\r"))
			report := func(format string, args ...interface{}) {
				problems = append(problems, lintProblem{
					path:    item.Path,
					line:    idx + 1,
					message: fmt.Sprintf(format, args...),
				})
			}

			if maxLen > 0 && len(line) > maxLen {
				report("line is %d characters long (max %d)", len(line), maxLen)
			}

			if trailing && len(line) > 0 && isCSSSpace(line[len(line)-1]) {
				report("trailing whitespace")
			}

			for _, rx := range forbidden {
				if rx.Match(line) {
					report("matches forbidden pattern %s", rx.String())
				}
			}
		}
	}

	for _, p := range problems {
		req.Logger.Warn().
			Str("path", p.path).
			Int("line", p.line).
			Msg(p.message)
	}

	if len(problems) > 0 {
		first := problems[0]
		msg := fmt.Sprintf("line %d: %s", first.line, first.message)
		if len(problems) > 1 {
			msg += fmt.Sprintf(" (and %d more problems)", len(problems)-1)
		}
		return nil, buildsys.NewItemError(first.path, "%s", msg)
	}

	return req.Items, nil
}
