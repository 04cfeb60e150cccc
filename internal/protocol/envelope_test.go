package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(0)

	tests := []struct {
		name string
		env  Envelope
	}{
		{name: "join", env: Join("alice")},
		{name: "client chat", env: Chat("", "hi there")},
		{name: "server chat", env: Chat("alice", "hi there")},
		{name: "chat with empty text", env: Chat("alice", "")},
		{name: "roster", env: Roster([]string{"alice", "bob"})},
		{name: "empty roster", env: Roster(nil)},
		{name: "leave", env: Leave()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := codec.Decode(codec.Encode(tt.env))
			require.NoError(t, err)
			assert.Equal(t, tt.env, decoded)
		})
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := NewCodec(16)

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty input", input: ""},
		{name: "truncated json", input: `{"type":"chat","text":"h`},
		{name: "not an object", input: `"chat"`},
		{name: "unrecognized type", input: `{"type":"shout","text":"hi"}`},
		{name: "missing type", input: `{"text":"hi"}`},
		{name: "join without username", input: `{"type":"join"}`},
		{name: "oversized text", input: `{"type":"chat","text":"` + strings.Repeat("x", 17) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.input))
			require.Error(t, err)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected a *DecodeError, got %T", err)
		})
	}
}

func TestCodecTextSizeCap(t *testing.T) {
	codec := NewCodec(8)

	_, err := codec.Decode([]byte(`{"type":"chat","text":"12345678"}`))
	assert.NoError(t, err, "text at the cap should decode")

	_, err = codec.Decode([]byte(`{"type":"chat","text":"123456789"}`))
	assert.Error(t, err, "text over the cap should be rejected")
}

func TestCodecDefaultCap(t *testing.T) {
	codec := NewCodec(0)

	within := `{"type":"chat","text":"` + strings.Repeat("a", DefaultMaxTextSize) + `"}`
	_, err := codec.Decode([]byte(within))
	assert.NoError(t, err)

	over := `{"type":"chat","text":"` + strings.Repeat("a", DefaultMaxTextSize+1) + `"}`
	_, err = codec.Decode([]byte(over))
	assert.Error(t, err)
}

func TestEncodeWireShapes(t *testing.T) {
	codec := NewCodec(0)

	tests := []struct {
		name string
		env  Envelope
		want map[string]any
	}{
		{
			name: "join",
			env:  Join("alice"),
			want: map[string]any{"type": "join", "username": "alice"},
		},
		{
			name: "server chat",
			env:  Chat("alice", "hi"),
			want: map[string]any{"type": "chat", "from": "alice", "text": "hi"},
		},
		{
			name: "roster",
			env:  Roster([]string{"alice", "bob"}),
			want: map[string]any{"type": "roster", "users": []any{"alice", "bob"}},
		},
		{
			name: "leave",
			env:  Leave(),
			want: map[string]any{"type": "leave"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]any
			require.NoError(t, json.Unmarshal(codec.Encode(tt.env), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	codec := NewCodec(0)

	env, err := codec.Decode([]byte(`{"type":"chat","text":"hi","extra":42}`))
	require.NoError(t, err)
	assert.Equal(t, Chat("", "hi"), env)
}
