package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"time"
)

// DoneSentinel is the payload of the record that terminates a stream before EOF.
const DoneSentinel = "[DONE]"

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content *string `json:"content"`
	} `json:"delta"`
}

// Deltas decodes a relay response body into the text deltas it carries, in receipt order. The body is
// framed line by line: every complete "data:" line is decoded as soon as its newline arrives, with or
// without a blank line after it, so a record split by a chunk boundary is only decoded once it is
// complete. Comment lines, other fields and records that do not decode to the expected shape are
// skipped. The sequence ends at EOF or at the DoneSentinel record, whichever comes first; anything
// after the sentinel is never read. An unterminated line at EOF is incomplete and dropped.
func Deltas(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}

			data, ok := dataField(line)
			if !ok {
				continue
			}
			if data == DoneSentinel {
				return
			}

			delta, ok := decodeDelta(data)
			if !ok {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// dataField returns the value of a "data:" line, or false for blank lines, comments and other fields.
func dataField(line string) (string, bool) {
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	value, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func decodeDelta(data string) (string, bool) {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return "", false
	}
	content := *chunk.Choices[0].Delta.Content
	return content, content != ""
}

// idleReader cancels its context when no Read completes within timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer

	mu      sync.Mutex
	expired bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.mu.Lock()
		ir.expired = true
		ir.mu.Unlock()
		cancel()
	})
	return ir
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.timer.Reset(r.timeout)
	return n, err
}

// TimedOut reports whether the timeout fired.
func (r *idleReader) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

func (r *idleReader) Stop() {
	r.timer.Stop()
}
