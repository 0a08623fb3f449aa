package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/config"
)

// Notifier is the notification sink: it takes a phone number and a message
// body and reports delivery success or failure. Retry and provider fallback
// are the provider's concern, not the caller's.
type Notifier interface {
	Send(ctx context.Context, phone, message string) error
	Provider() string
}

// NewNotifier selects a provider once at construction from the ordered
// preference list in the configuration. The first provider with usable
// credentials wins; "none" (or an empty list) yields a sink that logs and
// succeeds.
func NewNotifier(cfg config.NotifierConfig) Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, provider := range cfg.Providers {
		switch provider {
		case "sparrow":
			if cfg.Sparrow.Token != "" {
				log.Info().Str("provider", "sparrow").Msg("SMS provider selected")
				return &sparrowNotifier{cfg: cfg.Sparrow, client: newClient(timeout)}
			}
		case "sms_pasal":
			if cfg.SMSPasal.APIKey != "" {
				log.Info().Str("provider", "sms_pasal").Msg("SMS provider selected")
				return &smsPasalNotifier{cfg: cfg.SMSPasal, client: newClient(timeout)}
			}
		case "twilio":
			if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
				log.Info().Str("provider", "twilio").Msg("SMS provider selected")
				return &twilioNotifier{cfg: cfg.Twilio, client: newClient(timeout)}
			}
		case "none":
			return &noopNotifier{}
		}
	}

	log.Warn().Msg("No SMS provider configured, notifications will be logged only")
	return &noopNotifier{}
}

func newClient(timeout time.Duration) *resty.Client {
	return resty.New().SetTimeout(timeout)
}

// noopNotifier logs instead of delivering. Used when no provider is
// configured or the operator explicitly selects "none".
type noopNotifier struct{}

func (n *noopNotifier) Provider() string { return "none" }

func (n *noopNotifier) Send(_ context.Context, phone, message string) error {
	log.Info().Str("phone", phone).Str("message", message).Msg("SMS suppressed (no provider)")
	return nil
}

// sparrowNotifier delivers through the Sparrow SMS HTTP API
type sparrowNotifier struct {
	cfg    config.SparrowConfig
	client *resty.Client
}

func (n *sparrowNotifier) Provider() string { return "sparrow" }

func (n *sparrowNotifier) Send(ctx context.Context, phone, message string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"token": n.cfg.Token,
			"from":  n.cfg.From,
			"to":    phone,
			"text":  message,
		}).
		Post("https://api.sparrowsms.com/v2/sms/")
	if err != nil {
		return errors.Wrap(err, "sparrow request failed")
	}
	if resp.IsError() {
		return errors.Errorf("sparrow returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// smsPasalNotifier delivers through the SMS Pasal HTTP API
type smsPasalNotifier struct {
	cfg    config.SMSPasalConfig
	client *resty.Client
}

func (n *smsPasalNotifier) Provider() string { return "sms_pasal" }

func (n *smsPasalNotifier) Send(ctx context.Context, phone, message string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"api_key":  n.cfg.APIKey,
			"route_id": n.cfg.RouteID,
			"contacts": phone,
			"msg":      message,
		}).
		Post("https://sms.aakashsms.com/sms/v3/send")
	if err != nil {
		return errors.Wrap(err, "sms pasal request failed")
	}
	if resp.IsError() {
		return errors.Errorf("sms pasal returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// twilioNotifier delivers through the Twilio messages API
type twilioNotifier struct {
	cfg    config.TwilioConfig
	client *resty.Client
}

func (n *twilioNotifier) Provider() string { return "twilio" }

func (n *twilioNotifier) Send(ctx context.Context, phone, message string) error {
	url := "https://api.twilio.com/2010-04-01/Accounts/" + n.cfg.AccountSID + "/Messages.json"
	resp, err := n.client.R().
		SetContext(ctx).
		SetBasicAuth(n.cfg.AccountSID, n.cfg.AuthToken).
		SetFormData(map[string]string{
			"From": n.cfg.From,
			"To":   phone,
			"Body": message,
		}).
		Post(url)
	if err != nil {
		return errors.Wrap(err, "twilio request failed")
	}
	if resp.IsError() {
		return errors.Errorf("twilio returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
