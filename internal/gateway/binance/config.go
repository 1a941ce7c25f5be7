package binance

import (
	"strings"
	"time"

	"signalcartel/internal/config"
)

type Config struct {
	RESTBaseURL string
	Interval    string
	HTTPTimeout time.Duration
	ProxyURL    string
}

// FromMarket maps the market section onto the source config.
func FromMarket(m config.MarketConfig) Config {
	return Config{
		RESTBaseURL: m.RESTBaseURL,
		Interval:    m.Interval,
		HTTPTimeout: m.HTTPTimeout(),
		ProxyURL:    m.ProxyURL,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	out.Interval = strings.ToLower(strings.TrimSpace(out.Interval))
	if out.Interval == "" {
		out.Interval = "1m"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}
