package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	t.Run("wrapped sentinel is detected", func(t *testing.T) {
		err := fmt.Errorf("exec create: %w: container xyz not found", ErrSessionGone)
		if !IsSessionGone(err) {
			t.Error("wrapped ErrSessionGone not detected")
		}
	})

	t.Run("unrelated errors are not dead-session", func(t *testing.T) {
		if IsSessionGone(errors.New("connection refused")) {
			t.Error("generic error classified as dead-session")
		}
	})

	t.Run("taxonomy unwraps to the cause", func(t *testing.T) {
		cause := errors.New("quota exceeded")
		provErr := &ProvisionError{ConversationID: "c1", Err: cause}
		if !errors.Is(provErr, cause) {
			t.Error("ProvisionError does not unwrap")
		}
		if !strings.Contains(provErr.Error(), "c1") || !strings.Contains(provErr.Error(), "quota exceeded") {
			t.Errorf("message lost detail: %s", provErr.Error())
		}

		execErr := &ExecutionError{ConversationID: "c1", Command: "ls -la", Err: cause}
		if !errors.Is(execErr, cause) {
			t.Error("ExecutionError does not unwrap")
		}

		timeoutErr := &TimeoutError{Op: "sandbox provisioning", Limit: 3 * time.Minute, Err: cause}
		if !errors.Is(timeoutErr, cause) {
			t.Error("TimeoutError does not unwrap")
		}
		if !strings.Contains(timeoutErr.Error(), "3m0s") {
			t.Errorf("limit missing from message: %s", timeoutErr.Error())
		}
	})
}
