package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type loopbackConfig struct {
	SendRingWords uint32
	RecvRingWords uint32
	Requests      int
	PayloadWords  int
	ReplyTimeout  time.Duration
	StallTimeout  time.Duration
	CoerceFast    bool
	MetricsAddr   string
	LogLevel      string
}

func defaultConfig() loopbackConfig {
	return loopbackConfig{
		SendRingWords: 1024,
		RecvRingWords: 4096,
		Requests:      100,
		PayloadWords:  4,
		ReplyTimeout:  time.Second,
		StallTimeout:  1500 * time.Millisecond,
		LogLevel:      "info",
	}
}

type fileConfig struct {
	SendRingWords uint32 `toml:"send_ring_words"`
	RecvRingWords uint32 `toml:"recv_ring_words"`
	Requests      int    `toml:"requests"`
	PayloadWords  int    `toml:"payload_words"`
	ReplyTimeout  string `toml:"reply_timeout"`
	StallTimeout  string `toml:"stall_timeout"`
	CoerceFast    bool   `toml:"coerce_fast_requests"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
}

func loadConfig(path string) (loopbackConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cfg, fmt.Errorf("load loopback config: %w", err)
	}

	if meta.IsDefined("send_ring_words") {
		cfg.SendRingWords = raw.SendRingWords
	}
	if meta.IsDefined("recv_ring_words") {
		cfg.RecvRingWords = raw.RecvRingWords
	}
	if meta.IsDefined("requests") {
		cfg.Requests = raw.Requests
	}
	if meta.IsDefined("payload_words") {
		cfg.PayloadWords = raw.PayloadWords
	}
	if meta.IsDefined("reply_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReplyTimeout))
		if err != nil {
			return cfg, fmt.Errorf("parse reply_timeout: %w", err)
		}
		cfg.ReplyTimeout = d
	}
	if meta.IsDefined("stall_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StallTimeout))
		if err != nil {
			return cfg, fmt.Errorf("parse stall_timeout: %w", err)
		}
		cfg.StallTimeout = d
	}
	if meta.IsDefined("coerce_fast_requests") {
		cfg.CoerceFast = raw.CoerceFast
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return cfg, nil
}
