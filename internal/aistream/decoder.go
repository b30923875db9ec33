// Package aistream reads completion streams from an OpenAI-compatible
// endpoint.
package aistream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind is the type of a decoded stream event.
type Kind int

const (
	// Content carries a text delta.
	Content Kind = iota
	// Annotation carries a structured progress payload (a JSON array).
	Annotation
	// Done marks the end-of-stream sentinel.
	Done
)

// Event is one decoded stream item.
type Event struct {
	Kind Kind
	Text string
	Data json.RawMessage
}

// APIError is an error object reported inside the stream.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("API error (%s): %s", e.Type, e.Message)
	}
	return "API error: " + e.Message
}

type chunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	Error *APIError `json:"error"`
}

// Decoder turns a line-framed completion stream into events. It understands
// OpenAI server-sent events ("data: {...}") as well as the prefixed data
// stream framing ("0:" text, "2:"/"8:" annotations, "f:"/"e:"/"d:" metadata).
type Decoder struct {
	sc   *bufio.Scanner
	done bool
}

// NewDecoder reads events from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{sc: sc}
}

// Next returns the next event. After the Done sentinel the rest of the
// transport is drained and discarded; Next then returns io.EOF. A stream that
// ends without the sentinel also ends with io.EOF.
func (d *Decoder) Next() (Event, error) {
	for d.sc.Scan() {
		if d.done {
			continue
		}
		ev, ok, err := d.parse(strings.TrimRight(d.sc.Text(), "\r"))
		if err != nil {
			return Event{}, err
		}
		if ok {
			if ev.Kind == Done {
				d.done = true
			}
			return ev, nil
		}
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("stream error: %w", err)
	}
	return Event{}, io.EOF
}

func (d *Decoder) parse(line string) (Event, bool, error) {
	if strings.TrimSpace(line) == "[DONE]" {
		return Event{Kind: Done}, true, nil
	}
	if data, ok := strings.CutPrefix(line, "data:"); ok {
		return parseData(strings.TrimSpace(data))
	}
	if len(line) < 2 || line[1] != ':' {
		// Blank keep-alives, SSE comments and event/id fields.
		return Event{}, false, nil
	}
	payload := line[2:]
	switch line[0] {
	case '0':
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			text = payload
		}
		return Event{Kind: Content, Text: text}, text != "", nil
	case '2', '8':
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(payload), &arr); err != nil {
			return Event{}, false, nil
		}
		return Event{Kind: Annotation, Data: json.RawMessage(payload)}, true, nil
	case '3':
		var msg string
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			msg = payload
		}
		return Event{}, false, &APIError{Message: msg}
	}
	return Event{}, false, nil
}

func parseData(data string) (Event, bool, error) {
	switch {
	case data == "":
		return Event{}, false, nil
	case data == "[DONE]":
		return Event{Kind: Done}, true, nil
	case strings.HasPrefix(data, "{"):
		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return Event{Kind: Content, Text: data}, true, nil
		}
		if c.Error != nil {
			return Event{}, false, c.Error
		}
		if len(c.Choices) == 0 {
			return Event{}, false, nil
		}
		text := c.Choices[0].Text
		if c.Choices[0].Delta != nil {
			text = c.Choices[0].Delta.Content
		}
		return Event{Kind: Content, Text: text}, text != "", nil
	case strings.HasPrefix(data, `"`):
		var text string
		if err := json.Unmarshal([]byte(data), &text); err == nil {
			return Event{Kind: Content, Text: text}, text != "", nil
		}
	}
	return Event{Kind: Content, Text: data}, true, nil
}

// IsAPIError reports whether err was reported by the model endpoint.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
