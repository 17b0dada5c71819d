package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseSSE(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Event
	}{
		{
			name: "single event",
			body: "event: message\ndata: {\"id\":1}\n\n",
			want: []Event{{Type: "message", Data: `{"id":1}`}},
		},
		{
			name: "multi data lines joined",
			body: "data: {\"id\":1,\ndata:   \"result\":{}}\n\n",
			want: []Event{{Data: "{\"id\":1,\n\"result\":{}}"}},
		},
		{
			name: "trailing block without blank line",
			body: "data: first\n\ndata: second",
			want: []Event{{Data: "first"}, {Data: "second"}},
		},
		{
			name: "comments and empty blocks skipped",
			body: ": keepalive\n\n\n\nid: 7\ndata: x\n\n",
			want: []Event{{ID: "7", Data: "x"}},
		},
		{
			name: "crlf terminators",
			body: "data: a\r\n\r\ndata: b\r\n\r\n",
			want: []Event{{Data: "a"}, {Data: "b"}},
		},
		{
			name: "block without data emits nothing",
			body: "event: ping\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSSE([]byte(tt.body)))
		})
	}
}

func TestSSEDecoder_ChunkingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		datas := rapid.SliceOfN(rapid.StringMatching(`[a-z{}":0-9 ]{0,12}`), 1, 6).Draw(t, "datas")

		var body []byte
		for _, d := range datas {
			body = append(body, "data: "+d+"\n\n"...)
		}

		want := ParseSSE(body)

		var dec SSEDecoder
		var got []Event
		rest := body
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			got = append(got, dec.Feed(rest[:n])...)
			rest = rest[n:]
		}
		got = append(got, dec.Flush()...)

		require.Equal(t, want, got)
		require.Len(t, got, len(datas))
	})
}

func TestLineDecoder(t *testing.T) {
	var d LineDecoder

	assert.Empty(t, d.Feed([]byte(`{"id":`)))
	assert.Equal(t, []byte(`{"id":`), d.Pending())

	lines := d.Feed([]byte("1}\r\n{\"id\":2}\npartial"))
	require.Len(t, lines, 2)
	assert.Equal(t, `{"id":1}`, string(lines[0]))
	assert.Equal(t, `{"id":2}`, string(lines[1]))
	assert.Equal(t, "partial", string(d.Flush()))
	assert.Nil(t, d.Pending())
}

func TestLineDecoder_ChunkingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching(`[^\n\r]{0,20}`), 0, 8).Draw(t, "lines")

		var stream []byte
		for _, l := range lines {
			stream = append(stream, l+"\n"...)
		}

		var d LineDecoder
		var got []string
		rest := stream
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			for _, l := range d.Feed(rest[:n]) {
				got = append(got, string(l))
			}
			rest = rest[n:]
		}

		if len(lines) == 0 {
			require.Empty(t, got)
			return
		}
		require.Equal(t, lines, got)
		require.Nil(t, d.Flush())
	})
}
