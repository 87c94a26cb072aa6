package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
		},
		{
			name:   "no port defaults to gRPC",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
		},
		{
			name:   "custom port kept",
			rawURL: "http://qdrant.internal:7000",
			host:   "qdrant.internal",
			port:   7000,
		},
		{
			name:    "missing scheme",
			rawURL:  "localhost:6333",
			wantErr: true,
		},
		{
			name:    "empty",
			rawURL:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, useTLS)
		})
	}
}

func TestPassageIDIsDeterministic(t *testing.T) {
	assert.Equal(t, PassageID("sejong.md", 0), PassageID("sejong.md", 0))
	assert.NotEqual(t, PassageID("sejong.md", 0), PassageID("sejong.md", 1))
	assert.NotEqual(t, PassageID("sejong.md", 0), PassageID("sejo.md", 0))
}
