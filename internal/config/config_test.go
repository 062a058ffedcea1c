package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)

	cfg, err := Load()
	req.NoError(err)
	req.Equal(50, cfg.Chat.HistoryLimit)
	req.Equal(BusRedis, cfg.Chat.Bus)
	req.Equal(8080, cfg.Server.Port)
	req.Equal(100, cfg.RateLimit.Requests)
	req.Equal(time.Minute, cfg.RateLimit.Window)
	req.Less(cfg.Chat.PingPeriod, cfg.Chat.PongWait)
	req.Equal([]string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("CHAT_HISTORY_LIMIT", "20")
	t.Setenv("CHAT_BUS", BusMemory)
	t.Setenv("JWT_ACCESS_TTL", "5m")
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(20, cfg.Chat.HistoryLimit)
	req.Equal(BusMemory, cfg.Chat.Bus)
	req.Equal(5*time.Minute, cfg.JWT.AccessTTL)
	// Невалидное значение откатывается к дефолту
	req.Equal(8080, cfg.Server.Port)
	req.Equal([]string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown bus", map[string]string{"CHAT_BUS": "kafka"}},
		{"non-positive history", map[string]string{"CHAT_HISTORY_LIMIT": "0"}},
		{"ping not shorter than pong", map[string]string{"CHAT_PING_PERIOD": "2m", "CHAT_PONG_WAIT": "1m"}},
		{"zero rate limit", map[string]string{"RATE_LIMIT_REQUESTS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.Error(t, err)
			require.Nil(t, cfg)
		})
	}
}
