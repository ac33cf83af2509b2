package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// ConsoleWriter renders zerolog's JSON events as coloured, human readable lines
type ConsoleWriter struct {
	out    io.Writer
	color  colorstring.Colorize
	buffer strings.Builder
	lock   sync.Mutex
}

func NewConsoleWriter(out io.Writer, color bool) *ConsoleWriter {
	return &ConsoleWriter{
		out: out,
		color: colorstring.Colorize{
			Colors:  colorstring.DefaultColors,
			Disable: !color,
			Reset:   false,
		},
	}
}

func debugOutput() bool {
	return os.Getenv("BUILDPIPE_DEBUG") != ""
}

func (w *ConsoleWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	w.buffer.Reset()
	// only the color codes go through colorstring; messages may contain brackets
	switch evt["level"] {
	case "fatal", "error":
		w.buffer.WriteString(w.color.Color("[red]"))
	case "warn":
		w.buffer.WriteString(w.color.Color("[yellow]"))
	case "debug", "trace":
		w.buffer.WriteString(w.color.Color("[blue]"))
	default:
		w.buffer.WriteString(w.color.Color("[green]"))
	}

	if task, ok := evt["task"].(string); ok {
		w.buffer.WriteString(task)
		if stage, ok := evt["stage"].(string); ok {
			w.buffer.WriteString(" [" + stage + "]")
		}
		w.buffer.WriteString(": ")
	}

	if evt["level"] == "error" {
		w.buffer.WriteString("Error: ")
	}

	if evt["command"] == true {
		w.buffer.WriteString("$ ")
	}

	msg, _ := evt["message"].(string)
	if path, ok := evt["path"].(string); ok {
		// simplify the path
		relPath, err := filepath.Rel(".", path)
		if err == nil && strings.Contains(msg, path) {
			msg = strings.ReplaceAll(msg, path, relPath)
		} else if !strings.Contains(msg, path) {
			msg = fmt.Sprintf("%s (%s)", msg, path)
		}
	}

	w.buffer.WriteString(msg)

	if errorDetails, ok := evt["error"].(string); ok {
		w.buffer.WriteString("\n")
		w.buffer.WriteString(errorDetails)
	}

	if debugOutput() {
		keys := make([]string, 0, len(evt))
		for name := range evt {
			keys = append(keys, name)
		}
		sort.Strings(keys)

		w.buffer.WriteString("\n")
		for _, name := range keys {
			w.buffer.WriteString(fmt.Sprintf("  %s: %+v\n", name, evt[name]))
		}
	}

	w.buffer.WriteString(w.color.Color("[reset]"))
	w.buffer.WriteString("\n")
	_, err = io.WriteString(w.out, w.buffer.String())
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
