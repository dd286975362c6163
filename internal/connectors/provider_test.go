package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Provider
		wantErr bool
	}{
		{name: "srvllama", in: "srvllama", want: ProviderSrvLlama},
		{name: "ollama", in: "ollama", want: ProviderOllama},
		{name: "cloud name rejected", in: "openai", wantErr: true},
		{name: "unknown rejected", in: "llamafile", wantErr: true},
		{name: "empty rejected", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocal(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownProvider)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCloud(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Provider
		wantErr bool
	}{
		{name: "openai", in: "openai", want: ProviderOpenAI},
		{name: "claude", in: "claude", want: ProviderClaude},
		{name: "gemini", in: "gemini", want: ProviderGemini},
		{name: "grok", in: "grok", want: ProviderGrok},
		{name: "local name rejected", in: "ollama", wantErr: true},
		{name: "unknown rejected", in: "cohere", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCloud(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownProvider)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProviderModel(t *testing.T) {
	tests := []struct {
		provider Provider
		snippet  bool
		want     string
	}{
		{ProviderOpenAI, false, "gpt-4o"},
		{ProviderOpenAI, true, "gpt-4o-mini"},
		{ProviderClaude, false, "claude-3-5-sonnet-20240620"},
		{ProviderClaude, true, "claude-3-haiku-20240307"},
		{ProviderGemini, false, "gemini-2.5-flash"},
		{ProviderGemini, true, "gemini-2.5-flash"},
		{ProviderGrok, false, "grok-beta"},
		{ProviderGrok, true, "grok-beta"},
		// Local providers take models from headers, not from the table.
		{ProviderSrvLlama, true, ""},
		{ProviderOllama, false, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.provider.Model(tt.snippet),
			"provider %s snippet=%v", tt.provider, tt.snippet)
	}
}

func TestProviderDisplay(t *testing.T) {
	assert.Equal(t, "Llama server", ProviderSrvLlama.Display())
	assert.Equal(t, "Ollama", ProviderOllama.Display())
	assert.Equal(t, "OpenAI", ProviderOpenAI.Display())
	assert.Equal(t, "Claude", ProviderClaude.Display())
	assert.Equal(t, "Gemini", ProviderGemini.Display())
	assert.Equal(t, "Grok", ProviderGrok.Display())
}

func TestProviderLocal(t *testing.T) {
	assert.True(t, ProviderSrvLlama.Local())
	assert.True(t, ProviderOllama.Local())
	assert.False(t, ProviderOpenAI.Local())
	assert.False(t, ProviderClaude.Local())
	assert.False(t, ProviderGemini.Local())
	assert.False(t, ProviderGrok.Local())
}
