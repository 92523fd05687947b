// Copyright 2017 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package zkmirror

import (
	"time"

	"golang.org/x/time/rate"
)

// Config tunes timeouts, retries and reconnection. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// RequestTimeout bounds every single remote call.
	RequestTimeout time.Duration
	// MaxRetries is how many times a call failing with a transient error is
	// retried before the error is surfaced.
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// ReconnectAttempts caps one round of reconnection after a disconnect
	// or expiry. Zero means a single attempt. Rounds that give up are
	// repeated every MaxReconnectBackoff.
	ReconnectAttempts   int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// FetchRate limits background fetches triggered by Query.
	FetchRate  rate.Limit
	FetchBurst int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:      5 * time.Second,
		MaxRetries:          3,
		RetryBackoff:        50 * time.Millisecond,
		MaxRetryBackoff:     2 * time.Second,
		ReconnectAttempts:   5,
		ReconnectBackoff:    100 * time.Millisecond,
		MaxReconnectBackoff: 10 * time.Second,
		FetchRate:           50,
		FetchBurst:          10,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.MaxReconnectBackoff < cfg.ReconnectBackoff {
		cfg.MaxReconnectBackoff = cfg.ReconnectBackoff
	}
	if cfg.FetchRate <= 0 {
		cfg.FetchRate = def.FetchRate
	}
	if cfg.FetchBurst <= 0 {
		cfg.FetchBurst = def.FetchBurst
	}
	return cfg
}
