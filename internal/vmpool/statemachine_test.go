package vmpool

import (
	"testing"

	"github.com/oriys/nova/internal/domain"
)

func TestAllowedTransition(t *testing.T) {
	cases := []struct {
		op   string
		from domain.VMStatus
		want bool
	}{
		{"start", domain.StatusCreated, true},
		{"start", domain.StatusStopped, true},
		{"start", domain.StatusRunning, false},
		{"start", domain.StatusPaused, false},
		{"start", domain.StatusDeleted, false},
		{"pause", domain.StatusRunning, true},
		{"pause", domain.StatusCreated, false},
		{"pause", domain.StatusPaused, false},
		{"resume", domain.StatusPaused, true},
		{"resume", domain.StatusRunning, false},
		{"stop", domain.StatusRunning, true},
		{"stop", domain.StatusPaused, true},
		{"stop", domain.StatusCreated, false},
		{"stop", domain.StatusStopped, false},
		{"unknown_op", domain.StatusRunning, false},
	}
	for _, c := range cases {
		got := allowedTransition(c.op, c.from)
		if got != c.want {
			t.Errorf("allowedTransition(%q, %s) = %v, want %v", c.op, c.from, got, c.want)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	cases := []struct {
		op   string
		want domain.VMStatus
	}{
		{"start", domain.StatusRunning},
		{"pause", domain.StatusPaused},
		{"resume", domain.StatusRunning},
		{"stop", domain.StatusStopped},
	}
	for _, c := range cases {
		if got := targetStatus(c.op); got != c.want {
			t.Errorf("targetStatus(%q) = %s, want %s", c.op, got, c.want)
		}
	}
}
