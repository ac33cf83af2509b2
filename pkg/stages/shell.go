package stages

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
)

// Shell pipes every item through a shell command. The command's stdout replaces the item's
// content. $FILE holds the item path and $SOURCE its root-relative origin.
//
// With per_file disabled, the command runs once without input and the items are passed on
// unchanged. That's useful for tools that write their own output.
type Shell struct{}

func (Shell) Name() string { return "shell" }

func (Shell) Options() []buildsys.OptionSpec {
	return []buildsys.OptionSpec{
		{Name: "cmd", Kind: buildsys.OptionString, Required: true, Help: "shell command"},
		{Name: "ext", Kind: buildsys.OptionString, Help: "replacement extension for the output"},
		{Name: "per_file", Kind: buildsys.OptionBool, Default: true, Help: "run the command once per item"},
	}
}

func (Shell) Transform(ctx context.Context, req *buildsys.StageRequest) ([]*buildsys.Item, error) {
	script, err := buildsys.ParseShell(req.Stage, req.Options.String("cmd"))
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(req.Env)+3)
	for k, v := range req.Env {
		env[k] = v
	}
	env["TASK"] = req.Task

	if !req.Options.Bool("per_file") {
		req.Logger.Info().Bool("command", true).Msg(script.String())

		var stdout, stderr bytes.Buffer
		err = script.Run(ctx, req.Root, buildsys.ShellEnv(env), nil, &stdout, &stderr)
		logOutput(req, "", &stdout, &stderr)
		if err != nil {
			return nil, eris.Wrapf(err, "command failed: %s", lastLine(&stderr))
		}

		return req.Items, nil
	}

	ext := req.Options.String("ext")
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return mapItems(req.Items, func(item *buildsys.Item) error {
		env["FILE"] = item.Path
		env["SOURCE"] = item.Meta["source"]

		req.Logger.Debug().Str("path", item.Path).Bool("command", true).Msg(script.String())

		var stdout, stderr bytes.Buffer
		err := script.Run(ctx, req.Root, buildsys.ShellEnv(env), bytes.NewReader(item.Content), &stdout, &stderr)
		logOutput(req, item.Path, nil, &stderr)
		if err != nil {
			return &buildsys.ItemError{
				Path: item.Path,
				Err:  eris.Wrapf(err, "command failed: %s", lastLine(&stderr)),
			}
		}

		item.Content = stdout.Bytes()
		if ext != "" {
			item.Path = strings.TrimSuffix(item.Path, path.Ext(item.Path)) + ext
		}
		return nil
	})
}

func logOutput(req *buildsys.StageRequest, itemPath string, stdout, stderr *bytes.Buffer) {
	for _, stream := range []struct {
		name string
		buf  *bytes.Buffer
	}{{"stdout", stdout}, {"stderr", stderr}} {
		if stream.buf == nil {
			continue
		}

		for _, line := range strings.Split(strings.TrimRight(stream.buf.String(), "\n"), "\n") {
			if line == "" {
				continue
			}

			evt := req.Logger.Info().Str("stream", stream.name)
			if itemPath != "" {
				evt = evt.Str("path", itemPath)
			}
			evt.Msg(line)
		}
	}
}

func lastLine(buf *bytes.Buffer) string {
	text := strings.TrimSpace(buf.String())
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	if text == "" {
		return "no output"
	}
	return text
}
