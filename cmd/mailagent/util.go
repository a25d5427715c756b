package main

import (
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

// parseRetryConfig converts config values to RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}
