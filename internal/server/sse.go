package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/company-search/internal/search"
)

// sseWriter frames events in the text/event-stream format and flushes each one.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	seq     int
}

func newSSEWriter(w io.Writer, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) event(ev search.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return eris.Wrapf(err, "server: marshal %s event", ev.Type)
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, ev.Type, data); err != nil {
		return eris.Wrap(err, "server: write event")
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return eris.Wrap(err, "server: write comment")
	}
	s.flusher.Flush()
	return nil
}
