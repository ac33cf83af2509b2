package stages

import (
	"bytes"
	"context"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
)

// Concat joins all items into a single file
type Concat struct{}

func (Concat) Name() string { return "concat" }

func (Concat) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "file", Kind: buildsys.OptionString, Required: true, Help: "path of the combined file"},
		{Name: "separator", Kind: buildsys.OptionString, Default: "\n", Help: "text inserted between files"},
	}
}

func (Concat) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	if len(req.Items) == 0 {
		return []*buildsys.Item{}, nil
	}

	separator := []byte(req.Options.String("separator"))
	parts := make([][]byte, len(req.Items))
	sources := make([]string, len(req.Items))
	for idx, item := range req.Items {
		parts[idx] = item.Content
		sources[idx] = item.Meta["source"]
		if sources[idx] == "" {
			sources[idx] = item.Path
		}
	}

	return []*buildsys.Item{{
		Path:    req.Options.String("file"),
		Content: bytes.Join(parts, separator),
		Meta: map[string]string{
			"source": strings.Join(sources, ","),
		},
	}}, nil
}
