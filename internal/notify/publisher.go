package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ups-monitor/internal/ups"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event topics published under <prefix>/event/.
const (
	EventPowerCut      = "power_cut"
	EventPowerRestored = "power_restored"
	EventLowBattery    = "low_battery"
	EventShutdown      = "shutdown"
)

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Println("MQTT connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
	}, nil
}

// PublishReading pushes the per-sample telemetry topics.
func (p *Publisher) PublishReading(r *ups.Reading) error {
	if !p.enabled {
		return nil
	}

	topics := map[string]interface{}{
		"status": string(r.Status),
		"charge": r.ChargePct,
		"load":   r.LoadPct,
	}
	if r.RuntimeEstimate != nil {
		topics["runtime"] = int64(r.RuntimeEstimate.Seconds())
	}

	for name, value := range topics {
		topic := fmt.Sprintf("%s/%s", p.topicPrefix, name)
		payload := fmt.Sprintf("%v", value)
		token := p.client.Publish(topic, 0, true, payload)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to publish %s: %w", topic, token.Error())
		}
	}
	return nil
}

// EventPayload is the JSON body of every event message.
type EventPayload struct {
	Timestamp  time.Time `json:"timestamp"`
	ChargePct  float64   `json:"charge_pct"`
	AvgLoad1h  *float64  `json:"avg_load_1h_pct,omitempty"`
	TargetHost string    `json:"target_host,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
}

// PublishEvent sends one power event with QoS 1; these are the messages a
// human acts on, so delivery matters more than for telemetry.
func (p *Publisher) PublishEvent(event string, payload EventPayload) error {
	if !p.enabled {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/event/%s", p.topicPrefix, event)
	token := p.client.Publish(topic, 1, false, body)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, token.Error())
	}
	return nil
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(250)
	}
}
