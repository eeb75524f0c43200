package sandbox

import (
	"testing"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
)

func testSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Runtime:          "docker",
		Image:            "ubuntu:24.04",
		TTLMinutes:       60,
		CPUs:             1,
		MemoryMB:         512,
		ProvisionTimeout: 10,
		CommandTimeout:   10,
		IdleTimeout:      0,
		ReapInterval:     60,
	}
}

func newTestManager(t *testing.T, backend Backend) *Manager {
	t.Helper()
	return NewManager(NewRegistry(), backend, nil, nil, testSandboxConfig(), logger.Default())
}

func newTestExecutor(t *testing.T, backend Backend) (*Executor, *Manager) {
	t.Helper()
	m := newTestManager(t, backend)
	return NewExecutor(m, testSandboxConfig(), nil, logger.Default()), m
}
