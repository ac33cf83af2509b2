package stages

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"
)

// Compress produces precompressed copies of every item
type Compress struct{}

var compressExts = map[string]string{
	"brotli": ".br",
	"xz":     ".xz",
	"gzip":   ".gz",
}

func (Compress) Name() string { return "compress" }

func (Compress) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "format", Kind: buildsys.OptionString, Default: "gzip", Help: "brotli, xz or gzip"},
		{Name: "level", Kind: buildsys.OptionInt, Default: -1, Help: "compression level; -1 picks the format's default"},
		{Name: "keep_original", Kind: buildsys.OptionBool, Default: true, Help: "also pass the uncompressed items on"},
	}
}

func (Compress) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	format := req.Options.String("format")
	ext, ok := compressExts[format]
	if !ok {
		return nil, eris.Errorf("unsupported compression format %s", format)
	}

	level := int(req.Options.Int("level"))
	keep := req.Options.Bool("keep_original")

	result := make([]*buildsys.Item, 0, len(req.Items)*2)
	for _, item := range req.Items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		data, err := compressBytes(format, level, item.Content)
		if err != nil {
			return nil, &buildsys.ItemError{Path: item.Path, Err: err}
		}

		if keep {
			result = append(result, item)
		}

		clone := item.Clone()
		clone.Path += ext
		clone.Content = data
		result = append(result, clone)

		req.Logger.Debug().
			Str("path", clone.Path).
			Int("before", len(item.Content)).
			Int("after", len(data)).
			Msg("compressed")
	}

	return result, nil
}

func compressBytes(format string, level int, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	var writer io.WriteCloser

	switch format {
	case "brotli":
		if level < 0 {
			level = brotli.DefaultCompression
		}
		writer = brotli.NewWriterLevel(&buf, level)
	case "xz":
		var err error
		writer, err = xz.NewWriter(&buf)
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize xz writer")
		}
	case "gzip":
		var err error
		writer, err = gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize gzip writer")
		}
	default:
		return nil, eris.Errorf("unsupported compression format %s", format)
	}

	if _, err := writer.Write(content); err != nil {
		return nil, eris.Wrapf(err, "failed to compress with %s", format)
	}

	if err := writer.Close(); err != nil {
		return nil, eris.Wrapf(err, "failed to finish %s stream", format)
	}

	return buf.Bytes(), nil
}
