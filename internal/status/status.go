//go:build tinygo

// Package status publishes the orchestrator's advisory status strings to
// an MQTT broker, a one-way, best-effort broadcast. Nothing in the
// flasher depends on this reaching anyone; it exists purely so a phone or
// a dashboard elsewhere on the network can watch a load happen.
package status

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"

	"github.com/crucible-systems/sdloader/config"
)

const (
	connectTimeout = 10 * time.Second
	connectRetries = 3
	tcpBufSize     = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize    = 256
)

var topicStatus = []byte("sdloader/status")

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Publisher holds the pre-allocated buffers a single advisory publish
// needs. It is not safe for concurrent use, the loader only ever has one
// load in progress at a time.
type Publisher struct {
	stack  *xnet.StackAsync
	broker netip.AddrPort
	logger *slog.Logger

	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte

	lastMessage string
}

// NewPublisher builds a Publisher bound to a broker address and network
// stack. broker is read from config.BrokerAddr() by the caller.
func NewPublisher(stack *xnet.StackAsync, broker netip.AddrPort, logger *slog.Logger) *Publisher {
	return &Publisher{stack: stack, broker: broker, logger: logger}
}

// Publish connects, sends one retained-false QoS0 message carrying
// message, and disconnects. Any failure is logged and swallowed, a
// dropped status update must never affect the flash operation itself.
func (p *Publisher) Publish(message string) {
	p.lastMessage = message
	if err := p.publish(message); err != nil {
		p.logger.Warn("status:publish-failed", slog.String("err", err.Error()))
	}
}

// RepublishForever resends the most recently published advisory message
// every config.StatusRepublishInterval, forever. Meant to be run in its
// own goroutine for the life of the device: a dashboard that misses one
// publish (broker restart, a dropped MQTT connection) still converges on
// current state within one interval instead of waiting for the next
// orchestrator event.
func (p *Publisher) RepublishForever() {
	interval := config.StatusRepublishInterval()
	for {
		time.Sleep(interval)
		if p.lastMessage == "" {
			continue
		}
		p.Publish(p.lastMessage)
	}
}

func (p *Publisher) publish(message string) error {
	rstack := p.stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             p.tcpRxBuf[:],
		TxBuf:             p.tcpTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}
	defer p.closeConn(&conn)

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: p.mqttUserBuf[:]},
	}
	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	varconn.SetDefaultMQTT(clientID)
	client := mqtt.NewClient(cfg)

	lport := uint16(p.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, p.broker, connectTimeout, connectRetries); err != nil {
		return err
	}

	conn.SetDeadline(time.Now().Add(connectTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		return err
	}

	for retries := 50; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		if err := client.HandleNext(); err != nil {
			p.logger.Warn("status:handle-next", slog.String("err", err.Error()))
		}
	}
	if !client.IsConnected() {
		return errors.New("status: mqtt connect timeout")
	}

	pubVar := mqtt.VariablesPublish{
		TopicName:        topicStatus,
		PacketIdentifier: uint16(p.stack.Prand32()),
	}
	if err := client.PublishPayload(pubFlags, pubVar, []byte(message)); err != nil {
		return err
	}

	client.Disconnect(errors.New("status published"))
	return nil
}

func (p *Publisher) closeConn(conn *tcp.Conn) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	p.stack.DiscardResolveHardwareAddress6(p.broker.Addr())
}
