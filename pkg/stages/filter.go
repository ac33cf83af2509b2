package stages

import (
	"context"
	"path"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
)

// Filter drops items based on their path. Without include patterns, every item is included.
type Filter struct{}

func (Filter) Name() string { return "filter" }

func (Filter) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "include", Kind: buildsys.OptionList, Help: "globs of items to keep"},
		{Name: "exclude", Kind: buildsys.OptionList, Help: "globs of items to drop"},
	}
}

func (Filter) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	match := req.Match
	if match == nil {
		match = path.Match
	}

	anyMatch := func(patterns []string, itemPath string) (bool, error) {
		for _, pattern := range patterns {
			ok, err := match(pattern, itemPath)
			if err != nil {
				return false, eris.Wrapf(err, "invalid pattern %s", pattern)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	include := req.Options.List("include")
	exclude := req.Options.List("exclude")
	result := make([]*buildsys.Item, 0, len(req.Items))
	for _, item := range req.Items {
		if len(include) > 0 {
			ok, err := anyMatch(include, item.Path)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		skip, err := anyMatch(exclude, item.Path)
		if err != nil {
			return nil, err
		}
		if skip {
			req.Logger.Debug().Str("path", item.Path).Msg("filtered")
			continue
		}

		result = append(result, item)
	}

	return result, nil
}
