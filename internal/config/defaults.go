package config

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			StreamPingSeconds: 25,
			EventHistory:      500,
		},
		Store: StoreConfig{
			Backend:        "pocketbase",
			URL:            "http://127.0.0.1:8090",
			TimeoutSeconds: 15,
			DBPath:         "~/.chatbridge/chatbridge.db",
		},
		Dedup: DedupConfig{
			Backend:       "memory",
			TTLSeconds:    3600,
			SweepSchedule: "@every 10m",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "chatbridge:seen:",
			},
		},
		Telegram: TelegramConfig{
			Enabled:     false,
			ParseMode:   "Markdown",
			PollTimeout: 30,
		},
		Aggregator: AggregatorConfig{
			Enabled:        false,
			TimeoutSeconds: 15,
		},
		Assistant: AssistantConfig{
			APIBase:            "https://api.openai.com/v1",
			VisionModel:        "gpt-4o-mini",
			TranscribeModel:    "whisper-1",
			TimeoutSeconds:     60,
			PollIntervalMillis: 1000,
			PollTimeoutSeconds: 30,
			RateLimitPerMinute: 60,
			MaxBurst:           10,
			FFmpegPath:         "ffmpeg",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
