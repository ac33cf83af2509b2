package stages

import (
	"context"
	"os"
	"path"

	"github.com/ngld/buildpipe/pkg/buildsys"
)

// Wrap adds a header and footer to every item. $file, $name and $task are expanded in both.
type Wrap struct{}

func (Wrap) Name() string { return "wrap" }

func (Wrap) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "header", Kind: buildsys.OptionString, Default: ""},
		{Name: "footer", Kind: buildsys.OptionString, Default: ""},
	}
}

func (Wrap) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	return mapItems(req.Items, func(item *buildsys.Item) error {
		vars := func(name string) string {
			switch name {
			case "file":
				return item.Path
			case "name":
				return path.Base(item.Path)
			case "task":
				return req.Task
			default:
				return "$" + name
			}
		}

		header := os.Expand(req.Options.String("header"), vars)
		footer := os.Expand(req.Options.String("footer"), vars)

		content := make([]byte, 0, len(header)+len(item.Content)+len(footer))
		content = append(content, header...)
		content = append(content, item.Content...)
		content = append(content, footer...)
		item.Content = content
		return nil
	})
}
