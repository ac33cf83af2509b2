package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Reload asks every connected browser to reload. If all paths are stylesheets, pages swap
// their stylesheets instead of reloading. Returns the number of notified clients.
func (s *Server) Reload(paths ...string) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	if paths == nil {
		paths = []string{}
	}

	count := 0
	for client := range s.clients {
		select {
		case client <- paths:
		default:
			// fold the new paths into the reload the client hasn't picked up yet
			merged := paths
			select {
			case pending := <-client:
				merged = mergeReloads(pending, paths)
			default:
			}
			// only Reload sends and it holds s.lock, so there's room now
			client <- merged
		}
		count++
	}

	s.logger.Debug().Int("clients", count).Strs("paths", paths).Msg("reload")
	return count
}

// mergeReloads combines two pending reload events. An empty list is a full page reload and wins.
func mergeReloads(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return []string{}
	}

	result := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				result = append(result, p)
			}
		}
	}
	return result
}

// Clients returns the number of connected event streams
func (s *Server) Clients() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.clients)
}

func (s *Server) register() (chan []string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, false
	}

	client := make(chan []string, 1)
	s.clients[client] = struct{}{}
	return client, true
}

func (s *Server) unregister(client chan []string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.clients, client)
}

func (s *Server) disconnectAll() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.closed {
		s.closed = true
		close(s.closing)
	}
}

func (s *Server) serveEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	client, ok := s.register()
	if !ok {
		http.Error(rw, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unregister(client)

	header := rw.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	fmt.Fprint(rw, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case paths := <-client:
			data, err := json.Marshal(paths)
			if err != nil {
				log(r.Context()).Error().Err(err).Msg("failed to encode reload event")
				continue
			}

			if _, err := fmt.Fprintf(rw, "event: reload\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

const reloadScript = `(function () {
  var source = new EventSource("` + eventsPath + `");
  source.addEventListener("reload", function (evt) {
    var paths = JSON.parse(evt.data);
    var cssOnly = paths.length > 0 && paths.every(function (p) { return /\.css$/.test(p); });
    if (!cssOnly) {
      window.location.reload();
      return;
    }

    var links = document.querySelectorAll('link[rel="stylesheet"]');
    for (var i = 0; i < links.length; i++) {
      var url = links[i].href.replace(/[?&]_reload=\d+/, "");
      links[i].href = url + (url.indexOf("?") < 0 ? "?" : "&") + "_reload=" + Date.now();
    }
  });
})();
`

func serveScript(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(rw, reloadScript)
}
