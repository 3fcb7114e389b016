// Package push sends Web Push notifications to users who have no open
// realtime connection when a message arrives for them.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"healthmate/internal/content"
	"healthmate/internal/metrics"
	"healthmate/internal/models"
	"healthmate/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	defaultTTL   = 24 * time.Hour
	previewChars = 120
)

type Config struct {
	PublicKey  string        `koanf:"public_key"`
	PrivateKey string        `koanf:"private_key"`
	Subject    string        `koanf:"subject"`
	TTL        time.Duration `koanf:"ttl"`
}

type SubscriptionStore interface {
	UpsertPushSubscription(sub storage.PushSubscription) error
	ListPushSubscriptions(userID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type Relay struct {
	cfg     Config
	store   SubscriptionStore
	metrics *metrics.Metrics
	log     *slog.Logger
	send    sendFunc
}

func NewRelay(cfg Config, store SubscriptionStore, m *metrics.Metrics, log *slog.Logger) *Relay {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     log.With("component", "push"),
		send:    webpush.SendNotificationWithContext,
	}
}

// Enabled reports whether VAPID keys are configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.cfg.PublicKey != "" && r.cfg.PrivateKey != ""
}

func (r *Relay) PublicKey() string {
	return r.cfg.PublicKey
}

// Subscribe stores a browser push subscription for userID.
func (r *Relay) Subscribe(userID string, sub webpush.Subscription) error {
	fields := map[string]string{}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		fields["endpoint"] = "must be an https url"
	}
	if strings.TrimSpace(sub.Keys.P256dh) == "" {
		fields["keys.p256dh"] = "required"
	}
	if strings.TrimSpace(sub.Keys.Auth) == "" {
		fields["keys.auth"] = "required"
	}
	if len(fields) > 0 {
		return models.NewValidationError(fields)
	}
	return r.store.UpsertPushSubscription(storage.PushSubscription{
		UserID:    userID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.Keys.P256dh,
		Auth:      sub.Keys.Auth,
		CreatedAt: time.Now().UnixNano(),
	})
}

// Notify pushes payload to every subscription of userID. Subscriptions the
// push service reports as gone are deleted. Failures are logged only.
func (r *Relay) Notify(ctx context.Context, userID string, payload models.ChatNotificationPayload) {
	if !r.Enabled() {
		return
	}
	subs, err := r.store.ListPushSubscriptions(userID)
	if err != nil {
		r.log.Error("list push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload.Content = content.Preview(payload.Content, previewChars)
	body, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("encode push payload", "error", err)
		return
	}

	for _, sub := range subs {
		err := r.sendOne(ctx, body, sub)
		switch {
		case errors.Is(err, errGone):
			if err := r.store.DeletePushSubscription(userID, sub.Endpoint); err != nil {
				r.log.Error("delete expired subscription", "user_id", userID, "error", err)
			}
			r.count("expired")
		case err != nil:
			r.log.Warn("push failed", "user_id", userID, "error", err)
			r.count("error")
		default:
			r.count("sent")
		}
	}
}

var errGone = errors.New("subscription gone")

func (r *Relay) sendOne(ctx context.Context, body []byte, sub storage.PushSubscription) error {
	resp, err := r.send(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      r.cfg.Subject,
		VAPIDPublicKey:  r.cfg.PublicKey,
		VAPIDPrivateKey: r.cfg.PrivateKey,
		TTL:             int(r.cfg.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service responded %s", resp.Status)
	}
	return nil
}

func (r *Relay) count(result string) {
	if r.metrics != nil {
		r.metrics.Pushes.WithLabelValues(result).Inc()
	}
}
