package respfix

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestFixEncoding(t *testing.T) {
	valid := []byte(`{"text":"héllo"}`)
	require.Equal(t, valid, FixEncoding(valid))

	// A run of invalid bytes collapses into one replacement rune.
	broken := []byte{'a', 0xff, 0xfe, 'b'}
	require.Equal(t, "a�b", string(FixEncoding(broken)))
}

func TestFixSSELine(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Data: {\"a\":1}", "data: {\"a\":1}"},
		{"EVENT: message_stop", "event: message_stop"},
		{"Id: 42", "id: 42"},
		{"Retry: 3000", "retry: 3000"},
		{"data: already fine", "data: already fine"},
		{"X-Custom: value", "X-Custom: value"},
		{`{"key": "value"}`, `{"key": "value"}`},
		{": keep-alive", ": keep-alive"},
		{"", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, string(FixSSELine([]byte(c.in))), "input %q", c.in)
	}
}

func TestFixJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"unterminated string", `{"a":"hel`, `{"a":"hel"}`},
		{"nested object cut", `{"usage":{"input_tokens":5,`, `{"usage":{"input_tokens":5}}`},
		{"array cut", `[1,2,`, `[1,2]`},
		{"dangling key", `{"a":`, `{"a":null}`},
		{"trailing escape", `{"a":"x\`, `{"a":"x"}`},
		{"already valid", `{"a":1}`, `{"a":1}`},
		{"not json", `hello world`, `hello world`},
		{"unfixable number", `{"a":12.`, `{"a":12.`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, string(FixJSON([]byte(c.in))))
		})
	}
}

func TestFixLine(t *testing.T) {
	line := []byte(`data: {"type":"message_delta","usage":{"output_tokens":4`)
	fixed := FixLine(line)
	payload, ok := bytes.CutPrefix(fixed, []byte("data: "))
	require.True(t, ok)
	require.True(t, gjson.ValidBytes(payload))
	require.Equal(t, int64(4), gjson.GetBytes(payload, "usage.output_tokens").Int())

	// Casing and payload repair compose.
	fixed = FixLine([]byte(`Data: {"done":true`))
	require.Equal(t, `data: {"done":true}`, string(fixed))

	// Non-data lines and valid payloads pass through.
	require.Equal(t, "event: ping", string(FixLine([]byte("event: ping"))))
	require.Equal(t, `data: {"a":1}`, string(FixLine([]byte(`data: {"a":1}`))))
	require.Equal(t, "data: [DONE]", string(FixLine([]byte("data: [DONE]"))))
}

func TestFixBody(t *testing.T) {
	valid := []byte(`{"id":"msg_1","usage":{"input_tokens":3,"output_tokens":7}}`)
	require.Equal(t, valid, FixBody(valid))

	truncated := []byte(`{"id":"msg_1","usage":{"input_tokens":3,"output_tokens":7`)
	fixed := FixBody(truncated)
	require.True(t, gjson.ValidBytes(fixed))
	require.Equal(t, int64(7), gjson.GetBytes(fixed, "usage.output_tokens").Int())

	text := []byte("upstream exploded")
	require.Equal(t, text, FixBody(text))
}

func TestReaderRepairsStream(t *testing.T) {
	in := strings.Join([]string{
		"Event: content_block_delta",
		`Data: {"delta":{"text":"hi"}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"`,
	}, "\n")
	out, err := io.ReadAll(NewReader(strings.NewReader(in)))
	require.NoError(t, err)
	want := strings.Join([]string{
		"event: content_block_delta",
		`data: {"delta":{"text":"hi"}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
	}, "\n")
	require.Equal(t, want, string(out))
}

func TestReaderPreservesCRLF(t *testing.T) {
	in := "data: {\"a\":1}\r\n\r\ndata: [DONE]\r\n"
	out, err := io.ReadAll(NewReader(strings.NewReader(in)))
	require.NoError(t, err)
	require.Equal(t, in, string(out))
}

func TestReaderPassthroughPastCap(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("Data: first\n")
	b.Write(bytes.Repeat([]byte{'x'}, MaxFixSize+4096))
	b.WriteByte(0xff)
	b.WriteString("\nData: last\n")
	in := b.Bytes()

	out, err := io.ReadAll(NewReader(bytes.NewReader(in)))
	require.NoError(t, err)
	// The first line is repaired, then the oversized line flips the reader
	// into pass-through for the rest of the stream.
	require.True(t, bytes.HasPrefix(out, []byte("data: first\n")))
	rest := out[len("data: first\n"):]
	require.Equal(t, in[len("Data: first\n"):], rest)
}
