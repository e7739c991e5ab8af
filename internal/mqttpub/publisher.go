// Package mqttpub publishes entity state to an MQTT broker as retained JSON.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"vehiclecheck/internal/entities"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

const (
	defaultTopicPrefix = "vehiclecheck"
	payloadOnline      = "online"
	payloadOffline     = "offline"
)

// Config holds broker settings
type Config struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// connection is the subset of autopaho.ConnectionManager the publisher uses
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Publisher writes one retained message per entity on every update
type Publisher struct {
	cfg    Config
	conn   connection
	logger *zap.Logger
}

// StatePayload is the JSON body published for an entity
type StatePayload struct {
	State      string         `json:"state"`
	Available  bool           `json:"available"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

// Connect starts a managed connection to the broker. The connection
// reconnects in the background until ctx is done.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil || brokerURL.Host == "" {
		return nil, fmt.Errorf("invalid broker url %q", cfg.BrokerURL)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("vehiclecheck-%d", time.Now().UnixNano())
	}

	p := &Publisher{cfg: cfg, logger: logger.Named("mqtt")}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(5 * time.Second),
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.statusTopic(),
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				p.logger.Error("MQTT client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				p.logger.Warn("MQTT server requested disconnect",
					zap.Uint8("reason_code", d.ReasonCode),
					zap.String("reason", reason))
			},
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("MQTT connection established", zap.String("broker", cfg.BrokerURL))
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   p.statusTopic(),
				QoS:     1,
				Retain:  true,
				Payload: []byte(payloadOnline),
			}); err != nil {
				p.logger.Warn("Failed to publish online status", zap.Error(err))
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("MQTT connection failed, retrying", zap.Error(err))
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start mqtt connection: %w", err)
	}
	p.conn = cm
	return p, nil
}

// StateTopic returns the topic for an entity id, e.g. vehiclecheck/sensor/dvla_ab12cde_make/state
func (p *Publisher) StateTopic(entityID string) string {
	platform, objectID, found := strings.Cut(entityID, ".")
	if !found {
		return fmt.Sprintf("%s/%s/state", p.cfg.TopicPrefix, entityID)
	}
	return fmt.Sprintf("%s/%s/%s/state", p.cfg.TopicPrefix, platform, objectID)
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// Publish writes the entity's current state as a retained message
func (p *Publisher) Publish(ctx context.Context, src entities.Source) error {
	payload, err := json.Marshal(StatePayload{
		State:      src.State(),
		Available:  src.Available(),
		Name:       src.Name(),
		Attributes: src.Attributes(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", src.ID(), err)
	}

	if _, err := p.conn.Publish(ctx, &paho.Publish{
		Topic:   p.StateTopic(src.ID()),
		QoS:     1,
		Retain:  true,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", src.ID(), err)
	}

	p.logger.Debug("Published entity state",
		zap.String("entity", src.ID()),
		zap.String("state", src.State()))
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx is done
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	return p.conn.AwaitConnection(ctx)
}

// Close marks the publisher offline and disconnects
func (p *Publisher) Close(ctx context.Context) error {
	if _, err := p.conn.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		QoS:     1,
		Retain:  true,
		Payload: []byte(payloadOffline),
	}); err != nil {
		p.logger.Warn("Failed to publish offline status", zap.Error(err))
	}
	return p.conn.Disconnect(ctx)
}
