// Package announce advertises the voice node and its styles on the bus.
package announce

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
	SubjectDiscover        = "ctrl.node.discover"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSCapability describes a speech node.
func TTSCapability(mode string, sampleRate int, styles []string) Capability {
	attrs := map[string]string{
		"mode":        mode,
		"sample_rate": strconv.Itoa(sampleRate),
	}
	if len(styles) > 0 {
		attrs["styles"] = strings.Join(styles, ",")
	}
	return Capability{Name: "tts", Attributes: attrs}
}

// Announcer publishes the node on start, sends heartbeats and answers
// discovery requests until closed.
type Announcer struct {
	cfg    config.NodeConfig
	bus    *bus.Client
	log    *slog.Logger
	caps   []Capability
	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func Start(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, caps []Capability, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:    cfg,
		bus:    busClient,
		log:    log.With(slog.String("component", "announcer")),
		caps:   caps,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub, err := busClient.Subscribe(SubjectDiscover, a.handleDiscover)
	if err != nil {
		cancel()
		return nil, err
	}
	a.sub = sub
	if err := a.publish(SubjectAnnounce, a.announcement()); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	go a.run(ctx)
	return a, nil
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	a.cancel()
	<-a.done
	if a.sub != nil {
		_ = a.sub.Drain()
	}
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	subject := SubjectHeartbeatPrefix + "." + a.cfg.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publish(subject, heartbeatMessage{NodeID: a.cfg.ID, Timestamp: time.Now().UTC()}); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) announcement() Announcement {
	return Announcement{
		NodeID:       a.cfg.ID,
		Role:         a.cfg.Role,
		Capabilities: a.caps,
		Timestamp:    time.Now().UTC(),
	}
}

func (a *Announcer) handleDiscover(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		a.log.Warn("failed to answer discovery", slog.String("error", err.Error()))
	}
}

func (a *Announcer) publish(subject string, v any) error {
	return a.bus.PublishJSON(subject, v)
}
