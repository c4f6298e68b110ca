//go:build tinygo

package telemetry

import (
	"errors"
	"net/netip"
	"strconv"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"

	"opentrickler/firmware/drop"
)

var (
	errMQTTConnectTimeout = errors.New("telemetry: mqtt connect timeout")
	errSessionComplete    = errors.New("telemetry: drop publish complete")
)

const (
	mqttDialTimeout = 10 * time.Second
	mqttDialRetries = 3
	mqttTCPBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttUserBufSize = 512
)

var topicDrops = []byte("opentrickler/drops")

var (
	mqttRxBuf   [mqttTCPBufSize]byte
	mqttTxBuf   [mqttTCPBufSize]byte
	mqttUserBuf [mqttUserBufSize]byte
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// PublishDrop opens a connection to the fleet broker, publishes one
// completed drop record as a line of JSON to topicDrops, and disconnects.
// Unlike the schedule-fetch protocol this descends from, there is no
// subscribe and no wait for a reply: a dropped publish is simply lost,
// the same tolerance the rest of telemetry gives a failed OTLP POST.
func PublishDrop(stack *xnet.StackAsync, brokerAddr netip.AddrPort, clientID string, rec drop.Record) error {
	rstack := stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             mqttRxBuf[:],
		TxBuf:             mqttTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
	}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	id := make([]byte, 0, 32)
	id = append(id, clientID...)
	id = append(id, '-')
	id = appendHexUint16(id, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(id)

	lport := uint16(stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, brokerAddr, mqttDialTimeout, mqttDialRetries); err != nil {
		closeMQTTConn(&conn, stack, brokerAddr)
		return err
	}

	conn.SetDeadline(time.Now().Add(mqttDialTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		closeMQTTConn(&conn, stack, brokerAddr)
		return err
	}

	for i := 0; i < 50 && !client.IsConnected(); i++ {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}
	if !client.IsConnected() {
		closeMQTTConn(&conn, stack, brokerAddr)
		return errMQTTConnectTimeout
	}

	conn.SetDeadline(time.Now().Add(mqttDialTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topicDrops,
		PacketIdentifier: uint16(stack.Prand32()),
	}
	payload := marshalDropJSON(rec)
	err := client.PublishPayload(pubFlags, pubVar, payload)

	client.Disconnect(errSessionComplete)
	closeMQTTConn(&conn, stack, brokerAddr)
	return err
}

func closeMQTTConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}

func appendHexUint16(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}

// dropJSONBuf is private to the MQTT sink so publishing a drop record
// never races the OTLP sender loop's shared BodyBuf.
var dropJSONBuf [512]byte

// marshalDropJSON renders rec as a single-line JSON object into
// dropJSONBuf. It is deliberately separate from the OTLP jsonWriter in
// json.go: the fleet broker's consumers expect plain flat JSON, not an
// OTLP envelope.
func marshalDropJSON(rec drop.Record) []byte {
	buf := dropJSONBuf[:0]
	buf = append(buf, `{"sequence":`...)
	buf = strconv.AppendInt(buf, int64(rec.Sequence), 10)
	buf = append(buf, `,"coarse_time_ms":`...)
	buf = strconv.AppendFloat(buf, rec.CoarseTimeMs, 'f', 2, 64)
	buf = append(buf, `,"fine_time_ms":`...)
	buf = strconv.AppendFloat(buf, rec.FineTimeMs, 'f', 2, 64)
	buf = append(buf, `,"total_time_ms":`...)
	buf = strconv.AppendFloat(buf, rec.TotalTimeMs, 'f', 2, 64)
	buf = append(buf, `,"final_weight":`...)
	buf = strconv.AppendFloat(buf, rec.FinalWeight, 'f', 4, 64)
	buf = append(buf, `,"target_weight":`...)
	buf = strconv.AppendFloat(buf, rec.TargetWeight, 'f', 4, 64)
	buf = append(buf, `,"overthrow":`...)
	buf = strconv.AppendFloat(buf, rec.Overthrow, 'f', 4, 64)
	buf = append(buf, `,"overthrow_percent":`...)
	buf = strconv.AppendFloat(buf, rec.OverthrowPercent, 'f', 2, 64)
	buf = append(buf, `,"overall_score":`...)
	buf = strconv.AppendFloat(buf, rec.OverallScore, 'f', 2, 64)
	buf = append(buf, '}')
	return buf
}
