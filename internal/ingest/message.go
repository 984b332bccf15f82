package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TopicSuffix is the last level of a gateway sighting topic.
const TopicSuffix = "beacons"

// TopicFilter returns the subscription filter for gateway sightings under prefix.
func TopicFilter(prefix string) string {
	return strings.Trim(prefix, "/") + "/+/" + TopicSuffix
}

// GatewayTopic returns the topic a gateway publishes its sightings on.
func GatewayTopic(prefix, gatewayAddress string) string {
	return strings.Trim(prefix, "/") + "/" + gatewayAddress + "/" + TopicSuffix
}

// errForeignTopic marks topics outside the sighting namespace.
var errForeignTopic = errors.New("not a sighting topic")

// ParseTopic extracts the gateway address from <prefix>/<gateway>/beacons.
func ParseTopic(prefix, topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != strings.Trim(prefix, "/") || parts[2] != TopicSuffix {
		return "", errForeignTopic
	}
	gateway := strings.TrimSpace(parts[1])
	if gateway == "" {
		return "", fmt.Errorf("missing gateway address in topic %q", topic)
	}
	return gateway, nil
}

// Payload is the JSON body a gateway publishes per sighting.
type Payload struct {
	BeaconAddress string   `json:"bleMac"`
	UUID          string   `json:"uuid"`
	Major         flexInt  `json:"major"`
	Minor         flexInt  `json:"minor"`
	RSSI          *float64 `json:"rssi"`
}

// DecodePayload parses and validates a sighting payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}

	p.BeaconAddress = strings.TrimSpace(p.BeaconAddress)
	if p.BeaconAddress == "" {
		return Payload{}, fmt.Errorf("missing beacon address")
	}
	if p.RSSI == nil {
		return Payload{}, fmt.Errorf("missing rssi")
	}
	return p, nil
}

// flexInt accepts a JSON number or numeric string. Anything else decodes as zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}
