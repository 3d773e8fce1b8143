package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meterpoint/metersync/internal/infrastructure/config"
)

const (
	// connectTimeout bounds the initial dial. After that, paho's retry
	// machinery owns the connection.
	connectTimeout = 10 * time.Second

	// ackTimeout bounds waits for broker acks on publish and subscribe.
	ackTimeout = 5 * time.Second

	// disconnectQuiesceMS gives in-flight messages a moment to drain
	// before the socket closes.
	disconnectQuiesceMS = 1000

	// keepAlive lets the broker notice a dead gateway link without
	// waiting for TCP to give up.
	keepAlive = 60 * time.Second

	maxQoS = 2
)

// clientOptions translates the mqtt section of config.yaml into paho
// options, including the Last Will on the availability topic. The
// broker publishes the will if the session dies without a DISCONNECT,
// so dashboards see a crashed agent flip offline without polling.
func clientOptions(cfg config.MQTTConfig, topics Topics) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(topics.Availability(),
			string(presencePayload(topics.AgentID, presenceOffline, "unexpected_disconnect")),
			1, true)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Availability topic states.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

// presence is the retained availability document.
type presence struct {
	Status    string `json:"status"`
	AgentID   string `json:"agent_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// presencePayload renders the availability JSON. reason stays empty
// for online; offline carries "graceful_shutdown" or the will's
// "unexpected_disconnect" so operators can tell the two apart.
func presencePayload(agentID, status, reason string) []byte {
	b, _ := json.Marshal(presence{ //nolint:errcheck // Fixed shape cannot fail to marshal
		Status:    status,
		AgentID:   agentID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}
