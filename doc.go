// Package mqttcore provides a lightweight, idiomatic MQTT v3.1.1 client library for Go.
//
// The library provides a clean, functional options-based API for connecting to
// MQTT brokers, publishing messages, and subscribing to topics, built around
// separate read, write and logic goroutines that share session bookkeeping
// under a single session lock.
//
// # Features
//
//   - Full MQTT v3.1.1 support (CONNECT/CONNACK through DISCONNECT)
//   - QoS 0, 1 and 2 publish and subscribe flows
//   - TLS and WebSocket transports
//   - Automatic reconnection with exponential backoff and jitter
//   - Configured clean session flag sent on the first connect and on every reconnect
//   - Pluggable session persistence (pending publishes, subscriptions, QoS 2 state)
//   - Clean, idiomatic Go API with functional options
//   - Context-based cancellation and timeouts
//
// # Quick Start
//
// Connect to a broker and publish a message:
//
//	client, err := mqttcore.Dial("tcp://localhost:1883",
//	    mqttcore.WithClientID("my-client"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
//	token := client.Publish("sensors/temperature", []byte("22.5"), mqttcore.WithQoS(1))
//	err = token.Wait(context.Background()) // 'select' also supported, see further down
//
// Subscribe to a topic:
//
//	client.Subscribe("sensors/+/temperature", mqttcore.AtLeastOnce,
//	    func(c *mqttcore.Client, msg mqttcore.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, string(msg.Payload))
//	    })
//
// # Connection Options
//
// The Dial and DialContext functions accept various options to configure the client:
//
//   - WithClientID(id) - Set the MQTT client identifier
//   - WithCredentials(user, pass) - Set username and password
//   - WithKeepAlive(duration) - Set keepalive interval (default: 60s)
//   - WithCleanSession(bool) - Set the clean session flag sent on every connect/reconnect
//   - WithAutoReconnect(bool) - Enable auto-reconnect (default: true)
//   - WithReconnectBackoff(min, max) - Configure reconnect backoff bounds
//   - WithFirstConnectDelay(d) - Delay before the first dial attempt
//   - WithTLS(config) - Enable TLS encryption
//   - WithWill(topic, payload, qos, retained) - Set Last Will and Testament
//   - WithMaxInflight(n) - Cap the number of unacknowledged QoS 1/2 publishes
//
// # TLS Connections
//
// The library supports TLS/SSL encrypted connections:
//
//	client, err := mqttcore.Dial("tls://server:8883",
//	    mqttcore.WithClientID("secure-client"),
//	    mqttcore.WithTLS(&tls.Config{
//	        InsecureSkipVerify: false,
//	    }))
//
// Supported URL schemes: tcp://, mqtt://, tls://, ssl://, mqtts://, ws://, wss://
//
// # Quality of Service
//
// The library supports all three MQTT QoS levels:
//
//   - QoS 0 (mqttcore.AtMostOnce): At most once delivery (fire and forget)
//   - QoS 1 (mqttcore.AtLeastOnce): At least once delivery (acknowledged)
//   - QoS 2 (mqttcore.ExactlyOnce): Exactly once delivery (assured)
//
// Example:
//
//	// Using named constants (recommended)
//	client.Publish("topic", []byte("data"), mqttcore.WithQoS(mqttcore.AtLeastOnce))
//
//	// Using numeric values
//	client.Publish("topic", []byte("data"), mqttcore.WithQoS(1))
//
// # Wildcard Subscriptions
//
// MQTT supports two wildcard characters in topic filters:
//
//   - '+' matches a single level (e.g., "sensors/+/temperature")
//   - '#' matches multiple levels (e.g., "sensors/#")
//
// Example:
//
//	// Subscribe to all temperature sensors
//	client.Subscribe("sensors/+/temperature", mqttcore.AtLeastOnce, handler)
//
//	// Subscribe to all sensor data
//	client.Subscribe("sensors/#", mqttcore.AtMostOnce, handler)
//
// # Reconnection
//
// When AutoReconnect is enabled the client retries failed connections with
// exponential backoff plus jitter, bounded by MinReconnectInterval and
// MaxReconnectInterval. Every reconnect attempt sends the same CleanSession
// value configured via WithCleanSession: with CleanSession=false, queued
// subscriptions and in-flight publishes survive the outage; with
// CleanSession=true, every reconnect starts a fresh session as requested.
// A CONNACK refusal (bad credentials, identifier rejected, etc.) is treated
// as fatal and is not retried.
//
// # Stateful Handler
//
// MessageHandler, WithOnConnect and WithOnConnectionLost are enough for
// simple cases, but each is an independent, stateless callback. WithHandler
// attaches a single Handler implementing five hooks (Init,
// OnConnectionStatus, HandleMessage, OnSubscriptionResult, Terminate) that
// share state returned from Init — useful when connection status, message
// delivery, and subscription results all need to update the same in-memory
// state (a cache, a metrics counter, a reassembly buffer).
//
//	client, _ := mqttcore.Dial(server, mqttcore.WithHandler(myHandler{}, myArgs))
//
// # Client-side Session Persistence
//
// The library supports pluggable session persistence to save pending messages
// (QoS 1 & 2) and subscriptions across restarts.
//
//	store, _ := mqttcore.NewFileStore("/path/to/persist", "client-id")
//	client, _ := mqttcore.Dial(server,
//	    mqttcore.WithClientID("client-id"),
//	    mqttcore.WithCleanSession(false),
//	    mqttcore.WithSessionStore(store),
//	    mqttcore.WithSubscription("topic", handler),
//	)
//
// # Error Handling
//
// Operations return a Token that can be used for both blocking and non-blocking
// error handling.
//
//	// Blocking with timeout
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := token.Wait(ctx); err != nil {
//	    log.Printf("operation failed: %v", err)
//	}
//
//	// Non-blocking with select
//	select {
//	case <-token.Done():
//	    if err := token.Error(); err != nil {
//	        log.Printf("Failed: %v", err)
//	    }
//	case <-time.After(5 * time.Second):
//	    log.Println("Timeout")
//	}
//
// The client handles reconnection automatically unless configured otherwise.
package mqttcore
