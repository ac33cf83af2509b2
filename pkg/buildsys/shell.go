package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// PosixHelper is the binary that provides the mv, rm and mkdir sub-commands. If set, shell
// commands use it instead of the system's implementation to behave the same on every platform.
var PosixHelper string

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 && PosixHelper != "" {
		switch args[0] {
		case "mv", "rm", "mkdir":
			args = append([]string{PosixHelper}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// ShellEnv merges the process environment with the passed overrides
func ShellEnv(overrides map[string]string) []string {
	osEnv := os.Environ()
	result := make([]string, 0, len(osEnv)+len(overrides))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if runtime.GOOS == "windows" {
			parts[0] = strings.ToUpper(parts[0])
		}

		// skip overriden entries to avoid conflicts
		if _, present := overrides[parts[0]]; !present {
			result = append(result, item)
		}
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s=%s", k, overrides[k]))
	}

	return result
}

// ShellScript is a parsed shell script that can be executed multiple times
type ShellScript struct {
	file *syntax.File
}

// ParseShell parses script; name is only used in error messages
func ParseShell(name, script string) (*ShellScript, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", script)
	}

	return &ShellScript{file: file}, nil
}

// String returns the minified script
func (s *ShellScript) String() string {
	var buf strings.Builder
	printer := syntax.NewPrinter(syntax.Minify(true))
	if err := printer.Print(&buf, s.file); err != nil {
		return "<invalid script>"
	}
	return strings.TrimSpace(buf.String())
}

// Run executes the script in dir. The script aborts on the first failing command.
func (s *ShellScript) Run(ctx context.Context, dir string, env []string, stdin io.Reader, stdout, stderr io.Writer) error {
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(stdin, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	for _, stmt := range s.file.Stmts {
		err = runner.Run(ctx, stmt)
		if err != nil {
			return err
		}

		if runner.Exited() {
			return nil
		}
	}

	return nil
}
