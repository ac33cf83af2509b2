package stages

import (
	"context"
	"regexp"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
)

// Replace runs a regular expression replacement on every item. The replacement can refer to
// groups with $1 or ${name}.
type Replace struct{}

func (Replace) Name() string { return "replace" }

func (Replace) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "pattern", Kind: buildsys.OptionString, Required: true, Help: "regular expression (RE2 syntax)"},
		{Name: "with", Kind: buildsys.OptionString, Default: "", Help: "replacement text"},
	}
}

func (Replace) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	rx, err := regexp.Compile(req.Options.String("pattern"))
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %s", req.Options.String("pattern"))
	}

	replacement := []byte(req.Options.String("with"))
	return mapItems(req.Items, func(item *buildsys.Item) error {
		item.Content = rx.ReplaceAll(item.Content, replacement)
		return nil
	})
}
