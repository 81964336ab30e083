// Package notification implements orchestration.NotificationProvider: a
// console provider for local/dev use, and a Slack provider for real
// delivery, matching the original agent's "a failing channel never blocks
// another channel" design.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/orchestration"
	"github.com/smartmaint/backbone/resilience"
)

// ConsoleProvider writes notifications to a Logger rather than a terminal
// directly, so its output flows through whatever log sink the rest of the
// backbone uses.
type ConsoleProvider struct {
	logger core.Logger
}

func NewConsoleProvider(logger core.Logger) *ConsoleProvider {
	return &ConsoleProvider{logger: logger}
}

func (p *ConsoleProvider) Send(ctx context.Context, req orchestration.NotificationRequest) (orchestration.NotificationResult, error) {
	p.logger.Info("maintenance notification", map[string]interface{}{
		"channel":   "console",
		"recipient": req.Recipient,
		"subject":   req.Subject,
		"body":      req.Body,
	})
	return orchestration.NotificationResult{Channel: "console", Sent: true}, nil
}

func (p *ConsoleProvider) SupportsChannel(channel string) bool { return channel == "console" }

func (p *ConsoleProvider) HealthCheck(ctx context.Context) error { return nil }

// EmailProvider is a log-only stand-in for a real SMTP/SES integration: no
// provider in the retrieval pack sends mail, so rather than reach for
// net/smtp this logs what would have been sent and reports success, the
// same stub shape ConsoleProvider already uses.
type EmailProvider struct {
	logger core.Logger
}

func NewEmailProvider(logger core.Logger) *EmailProvider {
	return &EmailProvider{logger: logger}
}

func (p *EmailProvider) Send(ctx context.Context, req orchestration.NotificationRequest) (orchestration.NotificationResult, error) {
	p.logger.Info("maintenance notification", map[string]interface{}{
		"channel":   "email",
		"recipient": req.Recipient,
		"subject":   req.Subject,
		"body":      req.Body,
	})
	return orchestration.NotificationResult{Channel: "email", Sent: true}, nil
}

func (p *EmailProvider) SupportsChannel(channel string) bool { return channel == "email" }

func (p *EmailProvider) HealthCheck(ctx context.Context) error { return nil }

// SMSProvider is the equivalent log-only stub for a carrier/SMS gateway
// integration.
type SMSProvider struct {
	logger core.Logger
}

func NewSMSProvider(logger core.Logger) *SMSProvider {
	return &SMSProvider{logger: logger}
}

func (p *SMSProvider) Send(ctx context.Context, req orchestration.NotificationRequest) (orchestration.NotificationResult, error) {
	p.logger.Info("maintenance notification", map[string]interface{}{
		"channel":   "sms",
		"recipient": req.Recipient,
		"subject":   req.Subject,
		"body":      req.Body,
	})
	return orchestration.NotificationResult{Channel: "sms", Sent: true}, nil
}

func (p *SMSProvider) SupportsChannel(channel string) bool { return channel == "sms" }

func (p *SMSProvider) HealthCheck(ctx context.Context) error { return nil }

// SlackProvider posts a notification as a Slack message via the slack-go
// SDK, mirroring the thin-wrapper-around-goslack.Client shape the pack's
// tarsy repo uses for its own Slack integration.
type SlackProvider struct {
	api       *goslack.Client
	channelID string
	timeout   time.Duration
}

func NewSlackProvider(token, channelID string) *SlackProvider {
	return &SlackProvider{
		api:       goslack.New(token),
		channelID: channelID,
		timeout:   10 * time.Second,
	}
}

func (p *SlackProvider) Send(ctx context.Context, req orchestration.NotificationRequest) (orchestration.NotificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	text := fmt.Sprintf("*%s*\n%s", req.Subject, req.Body)
	_, _, err := p.api.PostMessageContext(ctx, p.channelID, goslack.MsgOptionText(text, false))
	if err != nil {
		return orchestration.NotificationResult{Channel: "slack", Sent: false, Error: err},
			core.NewError("notification.SlackProvider.Send", core.KindServiceUnavailable, req.Recipient, err)
	}
	return orchestration.NotificationResult{Channel: "slack", Sent: true}, nil
}

func (p *SlackProvider) SupportsChannel(channel string) bool {
	return strings.EqualFold(channel, "slack")
}

func (p *SlackProvider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return core.NewError("notification.SlackProvider.HealthCheck", core.KindServiceUnavailable, "", err)
	}
	return nil
}

// Dispatcher fans a notification out to every provider that supports the
// requested channel, matching the original NotificationAgent's "a failing
// channel never blocks another channel" behavior: every provider is tried
// and every result is returned, none of them abort the others. Each
// provider sits behind its own circuit breaker, so a channel that starts
// hanging or failing in bursts (a Slack outage, a dead webhook) trips open
// on its own instead of eating every Send's latency budget.
type Dispatcher struct {
	providers []orchestration.NotificationProvider
	breakers  []*resilience.CircuitBreaker
}

func NewDispatcher(providers ...orchestration.NotificationProvider) *Dispatcher {
	breakers := make([]*resilience.CircuitBreaker, len(providers))
	for i, p := range providers {
		breakers[i] = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: fmt.Sprintf("notification_%T", p)})
	}
	return &Dispatcher{providers: providers, breakers: breakers}
}

func (d *Dispatcher) Send(ctx context.Context, channel string, req orchestration.NotificationRequest) []orchestration.NotificationResult {
	var results []orchestration.NotificationResult
	for i, p := range d.providers {
		if !p.SupportsChannel(channel) {
			continue
		}
		var result orchestration.NotificationResult
		err := d.breakers[i].Execute(ctx, func() error {
			r, serr := p.Send(ctx, req)
			result = r
			return serr
		})
		if err != nil && result.Error == nil {
			result.Error = err
		}
		results = append(results, result)
	}
	return results
}
