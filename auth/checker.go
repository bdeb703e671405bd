package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeySource exposes the configured raw credential and collector URL.
type KeySource interface {
	ServerKey() string
	ServerURL() string
}

// StaticProvider hands out the configured credential as-is.
type StaticProvider struct {
	source KeySource
}

// NewStaticProvider wraps source.
func NewStaticProvider(source KeySource) *StaticProvider {
	return &StaticProvider{source: source}
}

// Credential returns the trimmed configured key; empty means unconfigured.
func (p *StaticProvider) Credential() string {
	if p == nil || p.source == nil {
		return ""
	}
	return strings.TrimSpace(p.source.ServerKey())
}

// Report is the outcome of the last credential check.
type Report struct {
	CheckedAt time.Time  `json:"checked_at"`
	Token     *TokenInfo `json:"token,omitempty"`
	Issues    []string   `json:"issues"`
}

// Checker periodically inspects the credential and logs anything the
// collector is likely to reject. It never blocks dispatch.
type Checker struct {
	source KeySource
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last Report
}

// NewChecker creates a Checker over source.
func NewChecker(source KeySource, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		source: source,
		logger: logger.Named("auth"),
		now:    time.Now,
	}
}

// Check runs one inspection. It has the scheduler job signature and always
// returns nil; problems are logged and kept for LastReport.
func (c *Checker) Check(ctx context.Context) error {
	now := c.now()
	report := Report{CheckedAt: now}

	if strings.TrimSpace(c.source.ServerURL()) == "" {
		report.Issues = append(report.Issues, "server URL is empty")
	}

	key := strings.TrimSpace(c.source.ServerKey())
	if key == "" {
		report.Issues = append(report.Issues, "server token is empty")
	} else {
		info, err := Inspect(key, now)
		if err != nil {
			report.Issues = append(report.Issues, "token error: "+err.Error())
		} else {
			report.Token = info
			report.Issues = append(report.Issues, info.Issues(now)...)
		}
	}

	if len(report.Issues) > 0 {
		c.logger.Warn("credential issues", zap.Strings("issues", report.Issues))
	} else {
		c.logger.Debug("credential ok", zap.Time("expires_at", report.Token.ExpiresAt))
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return nil
}

// LastReport returns the most recent check result.
func (c *Checker) LastReport() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.last
	out.Issues = append([]string(nil), c.last.Issues...)
	return out
}
