package devserver

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
)

var scriptTag = []byte(`<script src="` + scriptPath + `"></script>`)

func (s *Server) serveStatic(rw http.ResponseWriter, r *http.Request) {
	upath := path.Clean("/" + r.URL.Path)
	fs := http.Dir(s.root)

	f, err := fs.Open(upath)
	if err != nil {
		s.notFound(rw, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.notFound(rw, r, err)
		return
	}

	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(rw, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}

		upath = path.Join(upath, "index.html")
		index, err := fs.Open(upath)
		if err != nil {
			s.notFound(rw, r, err)
			return
		}
		defer index.Close()

		f = index
		info, err = f.Stat()
		if err != nil {
			s.notFound(rw, r, err)
			return
		}
	}

	rw.Header().Set("Cache-Control", "no-cache")

	ext := strings.ToLower(path.Ext(upath))
	if s.opts.DisableReload || (ext != ".html" && ext != ".htm") {
		http.ServeContent(rw, r, info.Name(), info.ModTime(), f)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		log(r.Context()).Error().Err(err).Str("path", upath).Msg("failed to read file")
		http.Error(rw, "failed to read file", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(rw, r, info.Name(), info.ModTime(), bytes.NewReader(injectScript(data)))
}

func (s *Server) notFound(rw http.ResponseWriter, r *http.Request, err error) {
	if !os.IsNotExist(err) {
		log(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("failed to open file")
	}
	http.NotFound(rw, r)
}

// injectScript inserts the reload script before the last </body> tag or appends it if there's
// none
func injectScript(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte{}, page...), scriptTag...)
	}

	result := make([]byte, 0, len(page)+len(scriptTag))
	result = append(result, page[:idx]...)
	result = append(result, scriptTag...)
	result = append(result, page[idx:]...)
	return result
}
