package server

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 10 * time.Second

// mqttBus links the sync core to the localization backend's broker: it
// subscribes to raw position reports and publishes entity-change
// notifications on the events topic.
type mqttBus struct {
	client      mqtt.Client
	eventsTopic string
}

// dialMQTT connects to the broker and installs the positions subscription.
// The subscription is (re)established from the connect handler so it survives
// reconnects; per-id receive order is preserved by ordered delivery.
func dialMQTT(brokerURL string, clientID string, eventsTopic string, positionsTopic string, onReport func([]byte)) (*mqttBus, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetConnectTimeout(mqttConnectTimeout)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if onReport == nil {
			return
		}
		token := client.Subscribe(positionsTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			onReport(msg.Payload())
		})
		go awaitToken(token, mqttConnectTimeout, "subscribe "+positionsTopic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("sync: mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(mqttConnectTimeout) {
		if err := token.Error(); err != nil {
			client.Disconnect(0)
			return nil, fmt.Errorf("connect mqtt broker %s: %w", brokerURL, err)
		}
	} else {
		// Connect retry keeps trying in the background; the process starts
		// without telemetry until the broker is reachable.
		log.Printf("sync: mqtt broker %s not reachable yet, retrying in background", brokerURL)
	}

	return &mqttBus{client: client, eventsTopic: eventsTopic}, nil
}

// NotifyUpdate publishes a change notification kind on the events topic.
// Delivery is fire-and-forget; the localization backend re-reads state on any
// notification.
func (b *mqttBus) NotifyUpdate(kind string) {
	if b == nil || b.client == nil {
		return
	}
	token := b.client.Publish(b.eventsTopic, 0, false, kind)
	go awaitToken(token, mqttConnectTimeout, "publish "+kind+" notification")
}

// awaitToken waits for an in-flight broker operation and logs its failure.
// The wait is bounded so a broker outage cannot strand one goroutine per
// dropped operation.
func awaitToken(token mqtt.Token, timeout time.Duration, op string) {
	if !token.WaitTimeout(timeout) {
		log.Printf("sync: %s timed out after %s", op, timeout)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("sync: %s: %v", op, err)
	}
}

func (b *mqttBus) close() {
	if b == nil || b.client == nil {
		return
	}
	b.client.Disconnect(250)
}
