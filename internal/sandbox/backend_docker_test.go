package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func TestContainerName(t *testing.T) {
	t.Run("keeps safe characters", func(t *testing.T) {
		name := containerName("conv-123_abc.DEF")
		if name != "relay-sandbox-conv-123_abc.DEF" {
			t.Errorf("name = %q", name)
		}
	})

	t.Run("replaces unsafe characters", func(t *testing.T) {
		name := containerName("conv/with:bad chars")
		if strings.ContainsAny(name, "/: ") {
			t.Errorf("unsafe characters survived: %q", name)
		}
	})

	t.Run("caps length for the daemon", func(t *testing.T) {
		name := containerName(strings.Repeat("a", 200))
		if len(name) > 63 {
			t.Errorf("name too long: %d", len(name))
		}
	})
}

func TestDockerRunErrorClassification(t *testing.T) {
	b := &DockerBackend{}

	t.Run("not running conflict is dead-session", func(t *testing.T) {
		err := b.classifyRunError("exec create", errors.New("container 8f2a is not running"))
		if !IsSessionGone(err) {
			t.Errorf("expected dead-session classification, got %v", err)
		}
	})

	t.Run("missing container is dead-session", func(t *testing.T) {
		err := b.classifyRunError("exec create", errors.New("Error response from daemon: No such container: 8f2a"))
		if !IsSessionGone(err) {
			t.Errorf("expected dead-session classification, got %v", err)
		}
	})

	t.Run("other daemon errors pass through", func(t *testing.T) {
		cause := errors.New("dial unix /var/run/docker.sock: connect: permission denied")
		err := b.classifyRunError("exec create", cause)
		if IsSessionGone(err) {
			t.Errorf("transport error misclassified as dead-session: %v", err)
		}
		if !errors.Is(err, cause) {
			t.Error("cause lost in wrapping")
		}
	})
}
