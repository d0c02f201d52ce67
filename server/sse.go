package server

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// sseDone terminates an event stream, matching OpenAI streaming responses.
const sseDone = "[DONE]"

// sseWriter writes server-sent events and flushes after each one. After
// the first write error every later call is a no-op.
type sseWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	err error
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	s.flush()
	return s
}

// send writes v as JSON. An empty event name writes a bare data event.
func (s *sseWriter) send(event string, v any) {
	if s.err != nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.err = err
		return
	}
	s.write(event, payload)
}

func (s *sseWriter) done() {
	if s.err != nil {
		return
	}
	s.write("", []byte(sseDone))
}

func (s *sseWriter) write(event string, payload []byte) {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, s.err = s.w.Write(buf.Bytes()); s.err == nil {
		s.flush()
	}
}

func (s *sseWriter) flush() {
	if err := s.rc.Flush(); err != nil && err != http.ErrNotSupported {
		s.err = err
	}
}
