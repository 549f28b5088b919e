package mqttcore

// Message represents an MQTT message delivered on a subscribed topic.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retained  bool
	Duplicate bool
}
