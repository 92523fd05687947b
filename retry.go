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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang/glog"
)

// backoff returns base*2^attempt capped at max, with up to 20% jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int63n(j))
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// ctxErr translates the reason ctx ended into a package error.
func ctxErr(ctx context.Context) error {
	err := context.Cause(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}
	return err
}

// retry calls f until it succeeds, fails with a non-transient error, or
// cfg.MaxRetries retries are used up. Each call is bounded by
// cfg.RequestTimeout.
func (cfg *Config) retry(ctx context.Context, what string, f func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		err := f(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctxErr(ctx)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %v", ErrTimeout, cfg.RequestTimeout)
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			glog.Errorf("%s: giving up after %d attempts (%v)", what, attempt+1, err)
			return err
		}
		d := backoff(cfg.RetryBackoff, cfg.MaxRetryBackoff, attempt)
		glog.Warningf("%s: attempt %d failed (%v), retrying in %v", what, attempt+1, err, d)
		if serr := sleepCtx(ctx, d); serr != nil {
			return serr
		}
	}
}
