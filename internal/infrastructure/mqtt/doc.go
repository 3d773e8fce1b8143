// Package mqtt is the agent's sideband to the site broker.
//
// The reading pipeline never depends on it: readings go over the
// uplink, and when the broker is unreachable the agent keeps
// collecting and uploading as normal. What travels here is fleet
// visibility and remote control. The agent publishes retained
// presence and status snapshots so one dashboard can watch every
// site, and listens for operator commands to trigger an upload or
// collection cycle without SSH-ing into a gateway.
//
// Topic layout per agent:
//
//	<prefix>/agent/<agent-id>/availability      online/offline (retained, LWT-backed)
//	<prefix>/agent/<agent-id>/status            periodic snapshot (retained)
//	<prefix>/agent/<agent-id>/command/<action>  operator commands (upload, collect)
//
// Paho handles reconnection; Client restores its subscriptions and
// republishes presence whenever the session returns. Production
// brokers should require TLS and per-agent credentials; the payloads
// themselves are plain JSON with no secrets in them.
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Agent.ID)
//	if err != nil { ... }
//	defer client.Close()
//
//	client.Subscribe(client.Topics().AllCommands(), 1, handleCommand)
//	client.Publish(client.Topics().Status(), snapshotJSON, 1, true)
package mqtt
