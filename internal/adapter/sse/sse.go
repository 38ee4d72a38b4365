// Package sse reads server-sent event streams returned by upstream providers.
package sse

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// ErrStop may be returned by a Handler to end reading without an error.
var ErrStop = errors.New("sse: stop")

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data string
}

// Handler receives each event in order.
type Handler func(Event) error

const maxLineBytes = 1 << 20

// Read parses r until EOF, context cancellation or a handler error.
// Multi-line data fields are joined with "\n" per the SSE rules; comment
// lines and unknown fields are skipped.
func Read(ctx context.Context, r io.Reader, handle Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), maxLineBytes)

	var (
		name string
		data []string
	)
	dispatch := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		ev := Event{Name: name, Data: strings.Join(data, "\n")}
		name, data = "", data[:0]
		return handle(ev)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return stopOK(err)
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
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	// Some upstreams close without the trailing blank line.
	return stopOK(dispatch())
}

func stopOK(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
