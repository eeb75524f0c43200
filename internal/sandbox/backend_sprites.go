package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/relaybot/relay/internal/common/config"
	"github.com/relaybot/relay/internal/common/logger"
)

const spritesNamePrefix = "relay-"

// exitMarker carries the guest exit code out of the sprite. The sprite
// command API reports transport failures but not the guest command's exit
// status, so the command runs under a wrapper that appends the code on a
// trailer line the backend strips back out.
const exitMarker = "__RELAY_EXIT__="

// SpritesBackend provisions one sprite per conversation on the Sprites.dev
// platform. Sprites are created lazily by their first command.
type SpritesBackend struct {
	client *sprites.Client
	logger *logger.Logger
}

// NewSpritesBackend creates a Sprites-backed execution backend.
func NewSpritesBackend(cfg config.SpritesConfig, log *logger.Logger) (*SpritesBackend, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("sprites API token not configured")
	}
	return &SpritesBackend{
		client: sprites.New(cfg.Token),
		logger: log,
	}, nil
}

// Name returns the runtime identifier.
func (b *SpritesBackend) Name() string {
	return RuntimeSprites
}

// Create materializes a new sprite by issuing a probe command against a
// fresh name. Each create gets a unique suffix so a replacement for a dead
// session never collides with the abandoned one.
func (b *SpritesBackend) Create(ctx context.Context, cfg CreateConfig) (*Handle, error) {
	name := spriteName(cfg.ConversationID)
	sprite := b.client.Sprite(name)

	b.logger.Info("creating sprite",
		zap.String("sprite_name", name),
		zap.String("conversation_id", cfg.ConversationID))

	out, err := sprite.CommandContext(ctx, "echo", "relay-ready").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to create sprite: %w", err)
	}
	if !strings.Contains(string(out), "relay-ready") {
		return nil, fmt.Errorf("unexpected sprite probe output: %s", string(out))
	}

	return &Handle{ID: name, Runtime: RuntimeSprites}, nil
}

// Run executes one command in the sprite. The argv runs under sh so the
// guest exit code can be captured on a marker line; the marker is stripped
// from stdout before it reaches the caller.
func (b *SpritesBackend) Run(ctx context.Context, handle *Handle, spec CommandSpec) (*RunOutput, error) {
	sprite := b.client.Sprite(handle.ID)

	parts := make([]string, 0, len(spec.Args)+2)
	if spec.Sudo {
		parts = append(parts, "sudo")
	}
	parts = append(parts, shellQuote(spec.Command))
	for _, a := range spec.Args {
		parts = append(parts, shellQuote(a))
	}
	script := fmt.Sprintf("(%s); __relay_ec=$?; echo \"%s${__relay_ec}\"", strings.Join(parts, " "), exitMarker)

	cmd := sprite.CommandContext(ctx, "sh", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, b.classifyRunError(err)
	}

	cleanOut, exitCode, err := splitExitMarker(stdout.String())
	if err != nil {
		// No marker means the wrapper never ran to completion; the sprite
		// dropped the command mid-flight.
		return nil, fmt.Errorf("%w: %w", ErrSessionGone, err)
	}

	return &RunOutput{
		ExitCode: exitCode,
		Stdout:   cleanOut,
		Stderr:   stderr.String(),
	}, nil
}

// HealthCheck verifies the sprite still exists on the platform. It goes
// through the list API rather than a probe command because sprite commands
// create lazily; probing a reclaimed sprite would resurrect it empty.
func (b *SpritesBackend) HealthCheck(ctx context.Context, handle *Handle) error {
	list, err := b.client.ListSprites(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list sprites: %w", err)
	}
	for _, s := range list.Sprites {
		if s.Name == handle.ID {
			return nil
		}
	}
	return fmt.Errorf("sprite %s: %w: no longer listed", handle.ID, ErrSessionGone)
}

// Stop destroys the sprite. A sprite that is already gone is a success.
func (b *SpritesBackend) Stop(ctx context.Context, handle *Handle) error {
	sprite := b.client.Sprite(handle.ID)
	if err := sprite.Destroy(); err != nil {
		if isSpriteGone(err) {
			return nil
		}
		return fmt.Errorf("failed to destroy sprite %s: %w", handle.ID, err)
	}
	b.logger.Info("sprite destroyed", zap.String("sprite_name", handle.ID))
	return nil
}

// Close releases the underlying client.
func (b *SpritesBackend) Close() error {
	return b.client.Close()
}

// classifyRunError decides whether a failed sprite command means the sprite
// is dead. The platform rejects commands against destroyed or reclaimed
// sprites with not-found and bad-request shaped responses.
func (b *SpritesBackend) classifyRunError(err error) error {
	if isSpriteGone(err) {
		return fmt.Errorf("%w: %w", ErrSessionGone, err)
	}
	return err
}

// isSpriteGone matches the error shapes the platform returns for a sprite
// that no longer exists.
func isSpriteGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "status 404") ||
		strings.Contains(msg, "status 400") ||
		strings.Contains(msg, "status 410")
}

// splitExitMarker strips the trailing exit marker line from stdout and
// returns the guest exit code.
func splitExitMarker(out string) (string, int, error) {
	idx := strings.LastIndex(out, exitMarker)
	if idx < 0 {
		return "", 0, fmt.Errorf("exit marker missing from sprite output")
	}

	rest := out[idx+len(exitMarker):]
	code := 0
	if _, err := fmt.Sscanf(strings.TrimSpace(rest), "%d", &code); err != nil {
		return "", 0, fmt.Errorf("malformed exit marker: %w", err)
	}

	return out[:idx], code, nil
}

// spriteName builds a platform-safe sprite name. The random suffix keeps a
// replacement sprite distinct from a dead one with the same conversation.
func spriteName(conversationID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, conversationID)
	if len(sanitized) > 24 {
		sanitized = sanitized[:24]
	}
	return spritesNamePrefix + sanitized + "-" + uuid.New().String()[:8]
}
