package chat

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func collect(t *testing.T, r io.Reader) ([]string, error) {
	t.Helper()
	var deltas []string
	for delta, err := range Deltas(r) {
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, delta)
	}
	return deltas, nil
}

func TestDeltas(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "records then sentinel",
			body: record("Check") + record(" nitrogen.") + "data: [DONE]\n\n",
			want: []string{"Check", " nitrogen."},
		},
		{
			name: "bytes after sentinel are ignored",
			body: record("A") + record("B") + "data: [DONE]\n\n" + record("C"),
			want: []string{"A", "B"},
		},
		{
			name: "natural EOF without sentinel",
			body: record("A") + record("B"),
			want: []string{"A", "B"},
		},
		{
			name: "comments and keep-alives are ignored",
			body: ": OPENROUTER PROCESSING\n\n" + record("A") + ":\n\n" + record("B"),
			want: []string{"A", "B"},
		},
		{
			name: "malformed record is a no-op",
			body: record("A") + "data: {\"choices\":[{\"delta\"\n\n" + record("B"),
			want: []string{"A", "B"},
		},
		{
			name: "unexpected shapes are no-ops",
			body: "data: {\"choices\":[]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
				"data: {\"error\":\"x\"}\n\n" +
				record("A"),
			want: []string{"A"},
		},
		{
			name: "crlf line endings",
			body: strings.ReplaceAll(record("A")+record("B"), "\n", "\r\n"),
			want: []string{"A", "B"},
		},
		{
			name: "other fields are ignored",
			body: "event: message\nid: 7\nretry: 1000\n" + record("A"),
			want: []string{"A"},
		},
		{
			name: "data field without space",
			body: `data:{"choices":[{"delta":{"content":"A"}}]}` + "\n",
			want: []string{"A"},
		},
		{
			name: "unterminated trailing line is dropped",
			body: record("A") + `data: {"choices":[{"delta":{"content":"B"}}]}`,
			want: []string{"A"},
		},
		{
			name: "data lines without separating blank line",
			body: `data: {"choices":[{"delta":{"content":"A"}}]}` + "\n" +
				`data: {"choices":[{"delta":{"content":"B"}}]}` + "\n\n",
			want: []string{"A", "B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collect(t, strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeltasAcrossChunkBoundaries(t *testing.T) {
	body := record("गेहूं की") + record(" पत्तियाँ") + "data: [DONE]\n\n"

	got, err := collect(t, iotest.OneByteReader(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, []string{"गेहूं की", " पत्तियाँ"}, got)
}

func TestDeltasReadError(t *testing.T) {
	errBroken := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(record("Hello")+record(" world")), iotest.ErrReader(errBroken))

	got, err := collect(t, r)
	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, []string{"Hello", " world"}, got)
}

func TestDeltasSingleNewlineFramingThenReadError(t *testing.T) {
	errBroken := errors.New("connection reset")
	body := `data: {"choices":[{"delta":{"content":"Hello"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":" world"}}]}` + "\n"
	r := io.MultiReader(strings.NewReader(body), iotest.ErrReader(errBroken))

	got, err := collect(t, r)
	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, []string{"Hello", " world"}, got)
}

func TestDeltasDeliversEachLineOnArrival(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	deltas := make(chan string)
	go func() {
		defer close(deltas)
		for delta, err := range Deltas(pr) {
			if err != nil {
				return
			}
			deltas <- delta
		}
	}()

	go func() {
		_, _ = io.WriteString(pw, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n")
	}()

	select {
	case delta := <-deltas:
		assert.Equal(t, "Hello", delta)
	case <-time.After(2 * time.Second):
		t.Fatal("a complete data line was not delivered before more bytes arrived")
	}

	pw.Close()
	for range deltas {
	}
}
