package main

import (
	"os"
	"strconv"
)

// envConfig collects the process-wide environment variables this binary
// reads at startup into a single struct assembled from os.Getenv, no
// viper.
type envConfig struct {
	RedisURL          string
	ModalURL          string
	ModalToken        string
	RayURL            string
	Port              string
	WorkerConcurrency int
	GPUConcurrency    int
	SlackWebhookURL   string
	DiscordWebhookURL string
}

func loadEnvConfig() envConfig {
	return envConfig{
		RedisURL:          getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		ModalURL:          os.Getenv("MODAL_URL"),
		ModalToken:        os.Getenv("MODAL_TOKEN"),
		RayURL:            os.Getenv("RAY_URL"),
		Port:              getenv("PORT", "8080"),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 5),
		GPUConcurrency:    getenvInt("GPU_WORKER_CONCURRENCY", 2),
		SlackWebhookURL:   os.Getenv("SLACK_WEBHOOK_URL"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
