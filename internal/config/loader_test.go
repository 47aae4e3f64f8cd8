package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/captionfeed/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "bad log format",
			yaml:    "server:\n  log_format: xml\n",
			wantErr: []string{"server.log_format"},
		},
		{
			name:    "half tls",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "negative caption limits",
			yaml:    "caption:\n  character_cap: -1\n  retention: -5s\n",
			wantErr: []string{"caption.character_cap", "caption.retention"},
		},
		{
			name:    "fft size not a power of two",
			yaml:    "audio:\n  fft_size: 300\n",
			wantErr: []string{"audio.fft_size"},
		},
		{
			name:    "postgres without dsn",
			yaml:    "identity:\n  backend: postgres\n",
			wantErr: []string{"identity.postgres_dsn"},
		},
		{
			name:    "unknown identity backend",
			yaml:    "identity:\n  backend: redis\n",
			wantErr: []string{"identity.backend"},
		},
		{
			name:    "wsbridge without url",
			yaml:    "call:\n  source: wsbridge\n",
			wantErr: []string{"call.url"},
		},
		{
			name:    "negative reconnect",
			yaml:    "call:\n  reconnect:\n    max_retries: -2\n",
			wantErr: []string{"call.reconnect"},
		},
		{
			name:    "fallback without base",
			yaml:    "rag:\n  fallback_urls: [\"https://b.example\"]\n",
			wantErr: []string{"rag.fallback_urls requires"},
		},
		{
			name:    "relative rag urls",
			yaml:    "rag:\n  base_url: /rag\n  fallback_urls: [\"ftp://b.example\"]\n",
			wantErr: []string{"rag.base_url", "rag.fallback_urls[0]"},
		},
		{
			name: "several problems reported together",
			yaml: `
server:
  log_level: loud
caption:
  max_dialogs: -1
audio:
  fft_size: 100
`,
			wantErr: []string{"server.log_level", "caption.max_dialogs", "audio.fft_size"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_Accepts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"memory identity", "identity:\n  backend: memory\n"},
		{"third-party call source", "call:\n  source: sip\n"},
		{"visible count above max dialogs", "caption:\n  visible_count: 6\n  max_dialogs: 5\n"},
		{"rate limit without burst", "server:\n  rate_limit:\n    requests_per_second: 2\n"},
		{"rag disabled", "rag:\n  timeout: 5s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := config.LoadFromReader(strings.NewReader(tt.yaml)); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
