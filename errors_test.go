// Copyright 2016 CoreOS, Inc.
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
	"strings"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{nil, KindUnknown},
		{errors.New("boom"), KindUnknown},
		{ErrNoNode, KindNoNode},
		{fmt.Errorf("wrapped: %w", ErrNotEmpty), KindNotEmpty},
		{ValidatePath("a"), KindMalformedPath},
		{errDeleteRoot, KindMalformedPath},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCancelled},
		{&OpError{Kind: KindNoParent, Err: errors.New("backend specific")}, KindNoParent},
	}
	for i, tt := range tests {
		if k := KindOf(tt.err); k != tt.kind {
			t.Fatalf("#%d: expected %v, got %v", i, tt.kind, k)
		}
	}
}

func TestOpError(t *testing.T) {
	oe := newOpError("setData", "/a", ErrBadVersion)
	if !errors.Is(oe, ErrBadVersion) || oe.Kind != KindVersionConflict {
		t.Fatalf("expected a version conflict, got %+v", oe)
	}
	if !strings.Contains(oe.Error(), "/a") {
		t.Fatalf("expected the path in %q", oe.Error())
	}

	vc := &OpError{Kind: KindVersionConflict, Op: "delete", Path: "/b", Expected: 1, Actual: 3, HasVersions: true, Err: ErrBadVersion}
	if msg := vc.Error(); !strings.Contains(msg, "expected version 1, actual 3") {
		t.Fatalf("expected versions in %q", msg)
	}
	// rewrapping keeps the versions and takes the outer op
	re := newOpError("delete", "/a", fmt.Errorf("child: %w", vc))
	if !re.HasVersions || re.Expected != 1 || re.Actual != 3 || re.Path != "/a" {
		t.Fatalf("expected versions to survive rewrapping, got %+v", re)
	}
	if same := newOpError("delete", "/b", vc); same != vc {
		t.Fatalf("expected an OpError for the same op and path to be returned as is")
	}
	if errors.Is(vc, ErrNoNode) {
		t.Fatalf("did not expect a version conflict to match ErrNoNode")
	}
}

func TestIsTransient(t *testing.T) {
	for _, err := range []error{ErrConnectionLoss, ErrTimeout, fmt.Errorf("%w after 1s", ErrTimeout)} {
		if !IsTransient(err) {
			t.Fatalf("expected %v to be transient", err)
		}
	}
	for _, err := range []error{ErrNoNode, ErrNodeExists, ErrBadVersion, ErrSessionExpired, ErrCancelled, errors.New("boom")} {
		if IsTransient(err) {
			t.Fatalf("did not expect %v to be transient", err)
		}
	}
}

func testRetryConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = time.Millisecond
	return &cfg
}

func TestRetryTransient(t *testing.T) {
	cfg := testRetryConfig()
	calls := 0
	err := cfg.retry(context.TODO(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrConnectionLoss
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on the third call, got %v after %d", err, calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	cfg := testRetryConfig()
	calls := 0
	err := cfg.retry(context.TODO(), "test", func(context.Context) error {
		calls++
		return ErrConnectionLoss
	})
	if !errors.Is(err, ErrConnectionLoss) || calls != 3 {
		t.Fatalf("expected ErrConnectionLoss after 3 calls, got %v after %d", err, calls)
	}
}

func TestRetryStructuralNotRetried(t *testing.T) {
	cfg := testRetryConfig()
	calls := 0
	err := cfg.retry(context.TODO(), "test", func(context.Context) error {
		calls++
		return ErrNodeExists
	})
	if !errors.Is(err, ErrNodeExists) || calls != 1 {
		t.Fatalf("expected ErrNodeExists after 1 call, got %v after %d", err, calls)
	}
}

func TestRetryTimeout(t *testing.T) {
	cfg := testRetryConfig()
	cfg.RequestTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1
	calls := 0
	err := cfg.retry(context.TODO(), "test", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) || KindOf(err) != KindTimeout || calls != 2 {
		t.Fatalf("expected ErrTimeout after 2 calls, got %v after %d", err, calls)
	}
}

func TestRetryCancelCause(t *testing.T) {
	cfg := testRetryConfig()
	ctx, cancel := context.WithCancelCause(context.TODO())
	err := cfg.retry(ctx, "test", func(cctx context.Context) error {
		cancel(ErrSessionExpired)
		<-cctx.Done()
		return cctx.Err()
	})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected the cancel cause, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, max := 10*time.Millisecond, 100*time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(base, max, attempt)
		if d < base || d > max+max/5 {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
	if d := backoff(base, max, 2); d < 40*time.Millisecond {
		t.Fatalf("expected exponential growth, got %v", d)
	}
}
