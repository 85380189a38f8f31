package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttDialTimeout = 10 * time.Second
	mqttBufferSize  = 512
)

var errReportSent = errors.New("status report sent")

// Status is one snapshot of an update cycle as seen by reporters.
type Status struct {
	DeviceID       string    `json:"device_id"`
	Session        string    `json:"session,omitempty"`
	State          State     `json:"state"`
	LocalVersion   float64   `json:"local_version"`
	ServerVersion  float64   `json:"server_version,omitempty"`
	BytesRead      uint32    `json:"bytes_read,omitempty"`
	ExpectedLength uint32    `json:"expected_length,omitempty"`
	Progress       string    `json:"progress,omitempty"`
	SHA256         string    `json:"sha256,omitempty"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

// StatusReporter publishes cycle status somewhere outside the device.
type StatusReporter interface {
	Report(ctx context.Context, st Status) error
}

// LogReporter writes status snapshots to the log.
type LogReporter struct {
	logger *logger.Logger
}

func NewLogReporter() *LogReporter {
	return &LogReporter{logger: logger.NewLogger("status")}
}

func (r *LogReporter) Report(ctx context.Context, st Status) error {
	entry := r.logger.WithFields(logger.Fields{
		"state":   st.State.String(),
		"session": st.Session,
	})
	if st.Progress != "" {
		entry = entry.WithField("progress", st.Progress)
	}
	if st.Error != "" {
		entry = entry.WithField("error", st.Error)
	}
	entry.Debug("Update status")
	return nil
}

// MQTTReporter publishes each status as a JSON document on one topic. A
// connection is opened per report; the link is only up during a cycle.
type MQTTReporter struct {
	broker   string
	topic    string
	clientID string
	timeout  time.Duration
	packetID uint16
	logger   *logger.Logger
}

func NewMQTTReporter(broker, topic, clientID string) *MQTTReporter {
	return &MQTTReporter{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		timeout:  mqttDialTimeout,
		logger:   logger.NewLogger("mqtt"),
	}
}

func (r *MQTTReporter) Report(ctx context.Context, st Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.broker)
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", r.broker, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, mqttBufferSize)},
		OnPub: func(_ mqtt.Header, _ mqtt.VariablesPublish, rd io.Reader) error {
			_, err := io.Copy(io.Discard, rd)
			return err
		},
	})

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(r.clientID))
	if err := client.StartConnect(conn, &varconn); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	for !client.IsConnected() {
		if err := client.HandleNext(); err != nil {
			return fmt.Errorf("mqtt connack: %w", err)
		}
	}

	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return err
	}
	r.packetID++
	vp := mqtt.VariablesPublish{
		TopicName:        []byte(r.topic),
		PacketIdentifier: r.packetID,
	}
	if err := client.PublishPayload(flags, vp, payload); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", r.topic, err)
	}

	client.Disconnect(errReportSent)
	r.logger.Debugf("Published %s status to %s", st.State, r.topic)
	return nil
}

// multiReporter fans a status out to several reporters. Failures are
// logged and never abort the cycle.
type multiReporter struct {
	reporters []StatusReporter
	logger    *logger.Logger
}

func newMultiReporter(reporters ...StatusReporter) *multiReporter {
	return &multiReporter{reporters: reporters, logger: logger.NewLogger("status")}
}

func (m *multiReporter) Report(ctx context.Context, st Status) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.Report(ctx, st); err != nil {
			m.logger.Warnf("Status report failed: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
