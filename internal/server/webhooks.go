package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sambi/internal/config"
	"sambi/internal/domain"
	"sambi/internal/engine"
)

// webhookDispatcher tails the events table and pushes matching rows to the
// configured endpoints. Each hook keeps its own cursor so one slow endpoint
// does not stall the others.
type webhookDispatcher struct {
	engine  engine.Engine
	hooks   []config.WebhookConfig
	cursors map[int]int64
	client  *http.Client
	logf    func(format string, args ...any)
}

// StartWebhookDispatcher begins the push loop. It returns immediately; stop
// it by cancelling ctx. No-op when no webhooks are configured.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logf func(format string, args ...any)) {
	var hooks []config.WebhookConfig
	for _, h := range e.Config.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		hooks = append(hooks, h)
	}
	if len(hooks) == 0 {
		return
	}
	if logf == nil {
		logf = log.Printf
	}
	d := &webhookDispatcher{
		engine:  e,
		hooks:   hooks,
		cursors: make(map[int]int64, len(hooks)),
		client:  &http.Client{Timeout: 10 * time.Second},
		logf:    logf,
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	// Start from the tail: hooks added to a long-lived database should not
	// replay months of history.
	latest, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.logf("webhooks: reading initial cursor: %v", err)
	}
	for i := range d.hooks {
		d.cursors[i] = latest
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverPending(ctx)
		}
	}
}

func (d *webhookDispatcher) deliverPending(ctx context.Context) {
	for i, hook := range d.hooks {
		events, err := d.engine.Repo.EventsAfter(ctx, 50, d.cursors[i])
		if err != nil {
			d.logf("webhooks: reading events for %s: %v", hook.URL, err)
			continue
		}
		for _, evt := range events {
			if !eventFilter(hook.Events, evt.Type) {
				d.cursors[i] = evt.ID
				continue
			}
			if err := d.deliver(ctx, hook, evt); err != nil {
				d.logf("webhooks: delivering event %d to %s: %v", evt.ID, hook.URL, err)
				// Leave the cursor; retry this event next tick.
				break
			}
			d.cursors[i] = evt.ID
		}
	}
}

func (d *webhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	body, err := json.Marshal(map[string]any{
		"id":          evt.ID,
		"ts":          evt.TS,
		"type":        evt.Type,
		"project_id":  evt.ProjectID,
		"entity_kind": evt.EntityKind,
		"entity_id":   evt.EntityID,
		"actor_id":    evt.ActorID,
		"payload":     payload,
	})
	if err != nil {
		return err
	}
	timeout := d.client.Timeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sambi-Event", evt.Type)
	req.Header.Set("X-Sambi-Delivery", uuid.NewString())
	if hook.Secret != "" {
		req.Header.Set("X-Sambi-Secret", hook.Secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// eventFilter reports whether an event type matches the hook's subscription
// list. An empty list subscribes to everything; "project.*" style prefixes
// match a whole family.
func eventFilter(subscribed []string, evtType string) bool {
	if len(subscribed) == 0 {
		return true
	}
	for _, s := range subscribed {
		if s == evtType || s == "*" {
			return true
		}
		if n := len(s); n > 2 && s[n-2:] == ".*" && len(evtType) >= n-1 && evtType[:n-1] == s[:n-1] {
			return true
		}
	}
	return false
}
