// Package stages contains the built-in stage plugins.
package stages

import (
	"github.com/ngld/buildpipe/pkg/buildsys"
)

// Default returns a new instance of every built-in stage
func Default() []buildsys.Plugin {
	return []buildsys.Plugin{
		Rename{},
		Concat{},
		Replace{},
		Wrap{},
		MinifyCSS{},
		Lint{},
		Stats{},
		Filter{},
		Compress{},
		Shell{},
	}
}

// NewRegistry returns a registry containing the built-in stages and the passed extra plugins
func NewRegistry(extra ...buildsys.Plugin) (*buildsys.StageRegistry, error) {
	return buildsys.NewStageRegistry(append(Default(), extra...)...)
}

// mapItems applies fn to a copy of every item
func mapItems(items []*buildsys.Item, fn func(item *buildsys.Item) error) ([]*buildsys.Item, error) {
	result := make([]*buildsys.Item, len(items))
	for idx, item := range items {
		clone := item.Clone()
		if err := fn(clone); err != nil {
			return nil, err
		}
		result[idx] = clone
	}
	return result, nil
}
