package notifier_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/notifier"
)

type sent struct {
	title, message string
}

func recorder(out *[]sent) notifier.SendFunc {
	return func(title, message string) error {
		*out = append(*out, sent{title, message})
		return nil
	}
}

func TestNotifier_FailureThenRecovery(t *testing.T) {
	var got []sent
	n := notifier.New(notifier.Config{Enabled: true, Send: recorder(&got)}, logger.Discard())

	n.NotifyTaskSuccess("style", time.Second)
	if len(got) != 0 {
		t.Fatalf("success without prior failure should be silent, got %v", got)
	}

	n.NotifyTaskFailure("style", fmt.Errorf("syntax error at line 42"))
	n.NotifyTaskSuccess("style", 250*time.Millisecond)
	// recovered, so a further success is silent again
	n.NotifyTaskSuccess("style", time.Second)

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].message != "style failed: syntax error at line 42" {
		t.Errorf("unexpected failure message %q", got[0].message)
	}
	if got[1].message != "style recovered in 250ms" {
		t.Errorf("unexpected recovery message %q", got[1].message)
	}
}

func TestNotifier_Disabled(t *testing.T) {
	var got []sent
	n := notifier.New(notifier.Config{Enabled: false, Send: recorder(&got)}, nil)

	n.NotifyTaskFailure("html", errors.New("boom"))
	n.NotifyTaskSuccess("html", time.Second)

	if len(got) != 0 {
		t.Errorf("disabled notifier sent %v", got)
	}
}

func TestNotifier_SendErrorIsSwallowed(t *testing.T) {
	n := notifier.New(notifier.Config{
		Enabled: true,
		Send:    func(string, string) error { return errors.New("no dbus") },
	}, logger.Discard())

	n.NotifyTaskFailure("script", errors.New("boom"))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{12 * time.Millisecond, "12ms"},
		{1500 * time.Millisecond, "1.5s"},
		{75 * time.Second, "1m15s"},
	}
	for _, tt := range tests {
		if got := notifier.FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
