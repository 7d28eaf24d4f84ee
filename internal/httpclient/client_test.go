package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", 5 * time.Second},
		{"seconds", "30", 30 * time.Second},
		{"duration", "2m", 2 * time.Minute},
		{"garbage", "soon", 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INKFLOW_TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, getEnvDuration("INKFLOW_TEST_DURATION", 5*time.Second))
		})
	}
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "45")
	t.Setenv("HTTP_RESPONSE_HEADER_TIMEOUT", "1m")

	cfg := DefaultConfig()
	assert.Equal(t, 45*time.Second, cfg.BatchTimeout)
	assert.Equal(t, time.Minute, cfg.ResponseHeaderTimeout)
}

func TestNewHTTPClient_NoOverallTimeout(t *testing.T) {
	c := NewDefaultHTTPClient()
	assert.Zero(t, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 20, tr.MaxIdleConnsPerHost)
}
