package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jedikim/jedisos-sub000/internal/vault"
)

// SecretCipher is the slice of the vault client the capture layer needs.
type SecretCipher interface {
	Unlocked(ctx context.Context) bool
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, marker string) (string, error)
}

// Capture wraps an Engine with the secret pass: sensitive spans are
// encrypted into vault markers before retain, and markers found in
// recalled text are decrypted on the way back.
type Capture struct {
	engine   Engine
	cipher   SecretCipher
	detector *Detector
	logger   *slog.Logger
}

// NewCapture builds the adapter. cipher may be nil, in which case both
// passes are skipped and Capture is a plain passthrough.
func NewCapture(engine Engine, cipher SecretCipher, detector *Detector, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	if detector == nil {
		d, err := NewDetector(nil)
		if err != nil {
			panic(err) // default patterns are compile-tested
		}
		detector = d
	}
	return &Capture{
		engine:   engine,
		cipher:   cipher,
		detector: detector,
		logger:   logger.With("component", "memory_capture"),
	}
}

// Retain encrypts detected spans, then persists. Spans are substituted
// right to left so earlier offsets stay valid; any encrypt failure leaves
// that span in plaintext rather than losing the memory.
func (c *Capture) Retain(ctx context.Context, content, role, bankID string) (*RetainResult, error) {
	if c.cipher != nil && c.cipher.Unlocked(ctx) {
		content = c.encryptSpans(ctx, content)
	}
	return c.engine.Retain(ctx, content, role, bankID)
}

// Recall delegates, then swaps every vault marker in the returned context
// and snippets for its plaintext. Markers that fail to decrypt stay
// as-is; the text is still usable, just opaque at those spots.
func (c *Capture) Recall(ctx context.Context, query, bankID string) (*RecallResult, error) {
	result, err := c.engine.Recall(ctx, query, bankID)
	if err != nil {
		return nil, err
	}
	if c.cipher == nil {
		return result, nil
	}
	result.Context = c.decryptMarkers(ctx, result.Context)
	for i := range result.Memories {
		result.Memories[i].Content = c.decryptMarkers(ctx, result.Memories[i].Content)
	}
	return result, nil
}

func (c *Capture) Reflect(ctx context.Context, bankID string) (*ReflectResult, error) {
	return c.engine.Reflect(ctx, bankID)
}

func (c *Capture) Healthy(ctx context.Context) bool {
	return c.engine.Healthy(ctx)
}

func (c *Capture) encryptSpans(ctx context.Context, text string) string {
	spans := c.detector.Detect(text)
	if len(spans) == 0 {
		return text
	}

	// Spans arrive sorted descending by start. Overlapping spans shrink
	// as outer ones are replaced; skip any that no longer fit.
	for _, span := range spans {
		if span.End > len(text) {
			continue
		}
		plain := text[span.Start:span.End]
		if strings.Contains(plain, "[[SECDATA:") {
			continue // already substituted by an overlapping span
		}
		marker, err := c.cipher.Encrypt(ctx, plain)
		if err != nil {
			c.logger.Warn("span encryption failed, kept plaintext",
				"pattern", span.Pattern, "error", err)
			continue
		}
		text = text[:span.Start] + marker + text[span.End:]
		c.logger.Debug("sensitive span encrypted", "pattern", span.Pattern)
	}
	return text
}

func (c *Capture) decryptMarkers(ctx context.Context, text string) string {
	if !vault.ContainsMarker(text) {
		return text
	}
	locs := vault.FindMarkers(text)
	// Right to left, same reasoning as the encrypt pass.
	for i := len(locs) - 1; i >= 0; i-- {
		start, end := locs[i][0], locs[i][1]
		marker := text[start:end]
		plain, err := c.cipher.Decrypt(ctx, marker)
		if err != nil {
			c.logger.Warn("marker decryption failed, left intact", "error", err)
			continue
		}
		text = text[:start] + plain + text[end:]
	}
	return text
}
