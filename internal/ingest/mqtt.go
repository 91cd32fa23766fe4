package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTSubscriber reads vitals payloads published by the device gateway. Topics
// follow vitals/<deviceId>/measurements; the device segment fills a missing
// deviceId.
type MQTTSubscriber struct {
	opts      MQTTOptions
	submitter *Submitter
	logger    *zap.Logger
}

func NewMQTTSubscriber(opts MQTTOptions, submitter *Submitter, logger *zap.Logger) *MQTTSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	return &MQTTSubscriber{opts: opts, submitter: submitter, logger: logger.Named("mqtt")}
}

func (s *MQTTSubscriber) Name() string { return "mqtt" }

func (s *MQTTSubscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		opts.SetPassword(s.opts.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	handler := s.messageHandler(ctx)
	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("connected to MQTT broker", zap.String("broker", s.opts.Broker))
		if token := c.Subscribe(s.opts.Topic, s.opts.QoS, handler); token.Wait() && token.Error() != nil {
			s.logger.Error("subscribe failed", zap.String("topic", s.opts.Topic), zap.Error(token.Error()))
			return
		}
		s.logger.Info("subscribed", zap.String("topic", s.opts.Topic))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	<-ctx.Done()
	client.Unsubscribe(s.opts.Topic).WaitTimeout(time.Second)
	client.Disconnect(250)
	s.logger.Info("MQTT subscriber stopped")
	return nil
}

func (s *MQTTSubscriber) messageHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		ms, err := Decode(msg.Payload())
		if err != nil {
			s.submitter.metrics.Measurement(s.Name(), "invalid")
			s.logger.Warn("undecodable payload", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if device := deviceFromTopic(msg.Topic()); device != "" {
			for i := range ms {
				if ms[i].DeviceID == "" {
					ms[i].DeviceID = device
				}
			}
		}
		s.submitter.SubmitAll(ctx, s.Name(), ms)
	}
}

func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "vitals" && parts[2] == "measurements" {
		return parts[1]
	}
	return ""
}
