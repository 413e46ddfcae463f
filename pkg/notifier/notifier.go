// Package notifier provides desktop notifications for watch-triggered runs
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/pageforge/pageforge/pkg/logger"
)

// SendFunc delivers one desktop notification
type SendFunc func(title, message string) error

// TaskNotifier reports failing and recovering tasks. Only the transition
// from failing to passing is reported as a recovery.
type TaskNotifier struct {
	enabled bool
	logger  logger.Logger
	send    SendFunc

	mu      sync.Mutex
	failing map[string]bool
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Send overrides the delivery function, mainly for tests
	Send SendFunc
}

// New creates a task notifier
func New(config Config, log logger.Logger) *TaskNotifier {
	if log == nil {
		log = logger.Discard()
	}
	send := config.Send
	if send == nil {
		send = func(title, message string) error {
			return beeep.Notify(title, message, "")
		}
	}
	return &TaskNotifier{
		enabled: config.Enabled,
		logger:  log,
		send:    send,
		failing: make(map[string]bool),
	}
}

// NotifyTaskFailure records a failed run and sends a notification
func (n *TaskNotifier) NotifyTaskFailure(task string, err error) {
	n.mu.Lock()
	n.failing[task] = true
	n.mu.Unlock()

	n.deliver("✖ pageforge", fmt.Sprintf("%s failed: %v", task, err))
}

// NotifyTaskSuccess sends a recovery notification if the task was failing
func (n *TaskNotifier) NotifyTaskSuccess(task string, duration time.Duration) {
	n.mu.Lock()
	wasFailing := n.failing[task]
	delete(n.failing, task)
	n.mu.Unlock()

	if !wasFailing {
		return
	}
	n.deliver("✔ pageforge", fmt.Sprintf("%s recovered in %s", task, FormatDuration(duration)))
}

func (n *TaskNotifier) deliver(title, message string) {
	if !n.enabled {
		return
	}
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
	}
}

// FormatDuration renders a duration the way task timings are logged
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
