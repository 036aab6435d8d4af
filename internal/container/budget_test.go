package container

import (
	"context"
	"testing"
	"time"
)

func TestComputeExecutionBudget(t *testing.T) {
	cases := []struct {
		name         string
		base         time.Duration
		observed     time.Duration
		wantOverhead time.Duration
	}{
		{name: "floor applies to short timeouts", base: time.Second, observed: 0, wantOverhead: executionOverheadFloor},
		{name: "ratio grows with timeout", base: 10 * time.Second, observed: 0, wantOverhead: time.Second},
		{name: "observed latency wins over baseline", base: 10 * time.Second, observed: 1500 * time.Millisecond, wantOverhead: 1500 * time.Millisecond},
		{name: "ceiling caps runaway overhead", base: time.Minute, observed: 10 * time.Second, wantOverhead: executionOverheadCeiling},
		{name: "max ratio caps small budgets", base: time.Second, observed: time.Second, wantOverhead: 500 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			effective, overhead := computeExecutionBudget(tc.base, tc.observed)
			if overhead != tc.wantOverhead {
				t.Fatalf("expected overhead %s, got %s", tc.wantOverhead, overhead)
			}
			if effective != tc.base+overhead {
				t.Fatalf("expected effective %s, got %s", tc.base+overhead, effective)
			}
		})
	}
}

func TestExecDeadlineExceeded(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	if !execDeadlineExceeded(expired) {
		t.Fatal("expected budget expiry to register as a timeout")
	}

	cancelled, cancelNow := context.WithTimeout(context.Background(), time.Hour)
	cancelNow()
	if execDeadlineExceeded(cancelled) {
		t.Fatal("caller cancellation must not be reported as a timeout")
	}
}

func TestWorkdirPath(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		expectErr bool
	}{
		{name: "plain file", input: "note.txt"},
		{name: "nested file", input: "data/out.csv"},
		{name: "empty", input: "", expectErr: true},
		{name: "absolute", input: "/etc/passwd", expectErr: true},
		{name: "traversal", input: "../../escape.txt", expectErr: true},
		{name: "hidden traversal", input: "data/../../../escape.txt", expectErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			full, err := workdirPath("/tmp/sentbox/c-1", tc.input)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("expected error, got path %q", full)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
