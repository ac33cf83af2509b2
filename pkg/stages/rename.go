package stages

import (
	"context"
	"path"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
)

// Rename changes the output path of every item. The suffix is inserted before the extension,
// so {suffix: ".min"} turns style.css into style.min.css.
type Rename struct{}

func (Rename) Name() string { return "rename" }

func (Rename) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "prefix", Kind: buildsys.OptionString, Help: "text to prepend to the file name"},
		{Name: "suffix", Kind: buildsys.OptionString, Help: "text to insert before the extension"},
		{Name: "ext", Kind: buildsys.OptionString, Help: "replacement extension"},
		{Name: "basename", Kind: buildsys.OptionString, Help: "replacement file name without extension"},
		{Name: "dir", Kind: buildsys.OptionString, Help: "replacement directory relative to the destination"},
	}
}

func (Rename) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	opts := req.Options

	return mapItems(req.Items, func(item *buildsys.Item) error {
		dir, file := path.Split(item.Path)
		ext := path.Ext(file)
		base := strings.TrimSuffix(file, ext)

		if opts.Has("basename") {
			base = opts.String("basename")
		}

		if opts.Has("ext") {
			ext = opts.String("ext")
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
		}

		if opts.Has("dir") {
			dir = path.Clean(opts.String("dir"))
			if dir == "." || dir == "/" {
				dir = ""
			} else {
				dir = strings.TrimPrefix(dir, "/") + "/"
			}
		}

		item.Path = dir + opts.String("prefix") + base + opts.String("suffix") + ext
		return nil
	})
}
