package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	HttpPort         int    `json:"http_port"`
	DbConnString     string `json:"db_conn_string"`
	RedisAddr        string `json:"redis_addr"`
	WhatsappApiUrl   string `json:"whatsapp_api_url"`
	WhatsappApiToken string `json:"whatsapp_api_token"`

	SendTimeoutStr string        `json:"send_timeout"`
	SendTimeout    time.Duration `json:"-"`
	SendMaxRetry   int           `json:"send_max_retry"`

	BatchSize int `json:"batch_size"`

	ItemLockTTLStr   string        `json:"item_lock_ttl"`
	ItemLockTTL      time.Duration `json:"-"`
	GlobalLockTTLStr string        `json:"global_lock_ttl"`
	GlobalLockTTL    time.Duration `json:"-"`

	GlobalRateWindowStr string        `json:"global_rate_window"`
	GlobalRateWindow    time.Duration `json:"-"`
	GlobalRateMax       int           `json:"global_rate_max"`

	RecipientRateWindowStr string        `json:"recipient_rate_window"`
	RecipientRateWindow    time.Duration `json:"-"`
	RecipientRateMax       int           `json:"recipient_rate_max"`

	// CronSecret is read from the environment, never from the config file.
	CronSecret string `json:"-"`
}

// ReadConfigJson reads json formatted configuration from the given file
func ReadConfigJson(configFile string) (*Config, error) {
	content, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)

	if err = json.Unmarshal(content, cfg); err != nil {
		return nil, err
	}

	durations := []struct {
		raw string
		dst *time.Duration
		def time.Duration
	}{
		{cfg.SendTimeoutStr, &cfg.SendTimeout, time.Second * 10},
		{cfg.ItemLockTTLStr, &cfg.ItemLockTTL, time.Minute},
		{cfg.GlobalLockTTLStr, &cfg.GlobalLockTTL, time.Minute * 10},
		{cfg.GlobalRateWindowStr, &cfg.GlobalRateWindow, time.Minute},
		{cfg.RecipientRateWindowStr, &cfg.RecipientRateWindow, time.Minute},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		if *d.dst, err = time.ParseDuration(d.raw); err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
	}

	cfg.CronSecret = os.Getenv("CRON_SECRET")

	return cfg, nil
}
