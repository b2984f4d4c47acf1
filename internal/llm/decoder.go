package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Event is one incremental text delta decoded from the stream.
type Event struct {
	Delta string
	Raw   json.RawMessage
}

// Decoder turns an event-stream body into a sequence of text deltas.
//
// Lines are split on '\n' from a buffered reader that persists across reads,
// so frames and multi-byte characters split between network reads are
// reassembled before decoding. Only "data:" lines are considered. A payload
// that fails to parse is dropped and decoding continues; providers interleave
// keep-alive and comment frames that do not follow the protocol.
type Decoder struct {
	r    *bufio.Reader
	err  error
	done bool

	// OnSkip, if set, is called for every data line whose payload did not parse.
	OnSkip func(line []byte, err error)
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next returns the next delta. It returns io.EOF when the transport closes or
// the [DONE] marker is seen, and keeps returning io.EOF afterwards. Other read
// errors are returned once.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}
		if d.err != nil {
			return Event{}, d.finish(d.err)
		}

		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 {
			ev, ok, stop := d.parseLine(line)
			if stop {
				d.done = true
				return Event{}, io.EOF
			}
			if ok {
				d.err = err
				return ev, nil
			}
		}
		if err != nil {
			return Event{}, d.finish(err)
		}
	}
}

func (d *Decoder) finish(err error) error {
	d.done = true
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}

// parseLine reports the event carried by line, if any, and whether the line
// terminates the stream.
func (d *Decoder) parseLine(line []byte) (ev Event, ok bool, stop bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false, false
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return Event{}, false, false
	}
	if string(payload) == doneMarker {
		return Event{}, false, true
	}

	var rec openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &rec); err != nil {
		if d.OnSkip != nil {
			d.OnSkip(line, err)
		}
		return Event{}, false, false
	}
	if len(rec.Choices) == 0 || rec.Choices[0].Delta.Content == "" {
		return Event{}, false, false
	}

	return Event{Delta: rec.Choices[0].Delta.Content, Raw: json.RawMessage(payload)}, true, false
}
