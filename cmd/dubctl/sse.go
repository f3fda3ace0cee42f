package main

import (
	"bufio"
	"io"
	"strings"
)

// sseMessage is one dispatched server-sent event.
type sseMessage struct {
	Event string
	Data  string
}

// readSSE parses an event stream and calls fn for every complete event.
// Comment lines and id/retry fields are ignored.
func readSSE(r io.Reader, fn func(sseMessage) error) error {
	scanner := bufio.NewScanner(r)
	// Status events carry the whole stage log.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		event string
		data  []string
	)
	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		msg := sseMessage{Event: event, Data: strings.Join(data, "\n")}
		if msg.Event == "" {
			msg.Event = "message"
		}
		event, data = "", nil
		return fn(msg)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
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
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}
