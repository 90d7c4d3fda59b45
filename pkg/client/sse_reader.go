package client

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

type sseEvent struct {
	Type string
	ID   string
	Data []byte
}

// readSSE parses a text/event-stream body, invoking fn per frame. Multiple
// data lines join with a newline per the SSE specification; comment lines
// are skipped. It returns when the stream ends, fn errors, or reading
// fails.
func readSSE(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var ev sseEvent
	var data [][]byte
	flush := func() error {
		if ev.Type == "" && ev.ID == "" && len(data) == 0 {
			return nil
		}
		ev.Data = bytes.Join(data, []byte("\n"))
		err := fn(ev)
		ev = sseEvent{}
		data = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
