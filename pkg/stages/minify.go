package stages

import (
	"bytes"
	"context"

	"github.com/ngld/buildpipe/pkg/buildsys"
)

// MinifyCSS strips comments and redundant whitespace from stylesheets. Comments starting
// with /*! are always kept.
type MinifyCSS struct{}

func (MinifyCSS) Name() string { return "minify-css" }

func (MinifyCSS) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "preserve_comments", Kind: buildsys.OptionBool, Default: false, Help: "keep all comments"},
	}
}

func (MinifyCSS) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	preserve := req.Options.Bool("preserve_comments")

	return mapItems(req.Items, func(item *buildsys.Item) error {
		before := len(item.Content)
		item.Content = minifyCSS(item.Content, preserve)

		req.Logger.Debug().
			Str("path", item.Path).
			Int("before", before).
			Int("after", len(item.Content)).
			Msg("minified")
		return nil
	})
}

func isCSSSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// whitespace next to these characters is never significant
func dropsSpaceAfter(c byte) bool {
	switch c {
	case '{', '}', ';', ',', '>', '~', ':', '(':
		return true
	}
	return false
}

func dropsSpaceBefore(c byte) bool {
	switch c {
	case '{', '}', ';', ',', '>', '~', ')', '!':
		return true
	}
	return false
}

// skipString returns the index after the string literal starting at src[start]
func skipString(src []byte, start int) int {
	quote := src[start]
	for pos := start + 1; pos < len(src); pos++ {
		switch src[pos] {
		case '\\':
			pos++
		case quote, '\n':
			return pos + 1
		}
	}
	return len(src)
}

func minifyCSS(src []byte, preserveComments bool) []byte {
	out := bytes.NewBuffer(make([]byte, 0, len(src)))
	pendingSpace := false
	afterComment := false

	last := func() byte {
		if out.Len() == 0 {
			return 0
		}
		return out.Bytes()[out.Len()-1]
	}

	for pos := 0; pos < len(src); {
		c := src[pos]

		switch {
		case c == '/' && pos+1 < len(src) && src[pos+1] == '*':
			end := bytes.Index(src[pos+2:], []byte("*/"))
			next := len(src)
			if end >= 0 {
				next = pos + end + 4
			}

			comment := src[pos:next]
			if preserveComments || bytes.HasPrefix(comment, []byte("/*!")) {
				out.Write(comment)
				pendingSpace = false
				afterComment = true
			} else {
				pendingSpace = true
			}
			pos = next
		case isCSSSpace(c):
			pendingSpace = true
			pos++
		default:
			if pendingSpace {
				prev := last()
				if prev != 0 && !afterComment && !dropsSpaceAfter(prev) && !dropsSpaceBefore(c) {
					out.WriteByte(' ')
				}
				pendingSpace = false
			}
			afterComment = false

			if c == '"' || c == '\'' {
				next := skipString(src, pos)
				out.Write(src[pos:next])
				pos = next
				continue
			}

			if c == '}' && last() == ';' {
				out.Truncate(out.Len() - 1)
			}
			out.WriteByte(c)
			pos++
		}
	}

	return out.Bytes()
}
