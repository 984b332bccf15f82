package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

const (
	flagUsername     = 1 << 7
	flagPassword     = 1 << 6
	flagWillRetain   = 1 << 5
	flagWillQoS      = 3 << 3
	flagWill         = 1 << 2
	flagCleanSession = 1 << 1
	flagReserved     = 1 << 0
)

var (
	connAckAccepted = []byte{0x20, 0x02, 0x00, 0x00}
	pingResp        = []byte{0xD0, 0x00}
)

type connectPacket struct {
	clientID  string
	keepAlive uint16
	username  string
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := packetReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&(flagReserved|flagWill|flagWillQoS|flagWillRetain) != 0 {
		return connectPacket{}, fmt.Errorf("unsupported connect flags %08b", flags)
	}

	var pkt connectPacket
	if pkt.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}
	if pkt.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}

	// Credentials are accepted and ignored; the broker is meant for a trusted LAN.
	if flags&flagUsername != 0 {
		if pkt.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if _, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return pkt, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := packetReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	if err := validateTopicName(topic); err != nil {
		return PublishMessage{}, err
	}

	return PublishMessage{Topic: topic, Payload: rd.readBytes(rd.remaining())}, nil
}

// parseTopicList reads the (filter[, qos]) list of SUBSCRIBE or UNSUBSCRIBE.
func parseTopicList(payload []byte, withQoS bool) (uint16, []string, error) {
	rd := packetReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var filters []string
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		if withQoS {
			qos, err := rd.readByte()
			if err != nil {
				return 0, nil, fmt.Errorf("read qos: %w", err)
			}
			if qos > 2 {
				return 0, nil, fmt.Errorf("invalid qos %d", qos)
			}
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return 0, nil, fmt.Errorf("empty topic list")
	}
	return packetID, filters, nil
}

func buildPublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, packetPublish<<4)
	packet = appendRemainingLength(packet, remaining)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// buildSubAck grants QoS 0 for accepted filters and 0x80 for rejected ones.
func buildSubAck(packetID uint16, granted []bool) []byte {
	packet := make([]byte, 0, 5+2+len(granted))
	packet = append(packet, 0x90)
	packet = appendRemainingLength(packet, 2+len(granted))
	packet = append(packet, byte(packetID>>8), byte(packetID))
	for _, ok := range granted {
		if ok {
			packet = append(packet, 0x00)
		} else {
			packet = append(packet, 0x80)
		}
	}
	return packet
}

func buildUnsubAck(packetID uint16) []byte {
	return []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID)}
}

type packetReader []byte

func (p *packetReader) readByte() (byte, error) {
	if len(*p) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*p)[0]
	*p = (*p)[1:]
	return v, nil
}

func (p *packetReader) readUint16() (uint16, error) {
	if len(*p) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*p)[0])<<8 | uint16((*p)[1])
	*p = (*p)[2:]
	return v, nil
}

func (p *packetReader) readString() (string, error) {
	n, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if len(*p) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*p)[:n])
	*p = (*p)[n:]
	return s, nil
}

func (p *packetReader) readBytes(n int) []byte {
	if n > len(*p) {
		n = len(*p)
	}
	out := make([]byte, n)
	copy(out, (*p)[:n])
	*p = (*p)[n:]
	return out
}

func (p *packetReader) remaining() int {
	return len(*p)
}

// maxRemainingLength is the largest value the 4-byte variable length can carry.
const maxRemainingLength = 268435455

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func appendRemainingLength(dst []byte, length int) []byte {
	if length < 0 {
		length = 0
	}
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if length == 0 {
			return dst
		}
	}
}
