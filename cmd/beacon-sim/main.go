package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bletracker/go-mqtt-server/internal/ingest"
)

type sightingPayload struct {
	BeaconAddress string  `json:"bleMac"`
	UUID          string  `json:"uuid"`
	Major         int     `json:"major"`
	Minor         int     `json:"minor"`
	RSSI          float64 `json:"rssi"`
}

// gatewaySignal is one simulated receiver and the baseline RSSI it hears.
type gatewaySignal struct {
	Address  string
	BaseRSSI float64
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "warehouse", "Topic prefix gateways publish under")
	gatewaysFlag := flag.String("gateways", "AA:BB:CC:00:00:01=-55,AA:BB:CC:00:00:02=-72", "Comma separated gateway=baseRSSI pairs")
	beaconsFlag := flag.String("beacons", "C3:00:00:00:00:01", "Comma separated beacon addresses")
	uuid := flag.String("uuid", "fda50693-a4e2-4fb1-afcf-c6eb07647825", "iBeacon proximity UUID")
	major := flag.Int("major", 1, "iBeacon major")
	minor := flag.Int("minor", 1, "iBeacon minor")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published sightings")
	rssiJitter := flag.Float64("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")

	flag.Parse()

	gateways, err := parseGateways(*gatewaysFlag)
	if err != nil {
		log.Fatalf("invalid -gateways: %v", err)
	}
	beacons := splitList(*beaconsFlag)
	if len(beacons) == 0 {
		log.Fatal("at least one beacon address is required")
	}

	clientID := fmt.Sprintf("beacon-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		for _, gw := range gateways {
			topic := ingest.GatewayTopic(*prefix, gw.Address)
			for _, beacon := range beacons {
				payload := sightingPayload{
					BeaconAddress: beacon,
					UUID:          *uuid,
					Major:         *major,
					Minor:         *minor,
					RSSI:          randomRSSI(gw.BaseRSSI, *rssiJitter),
				}

				data, err := json.Marshal(payload)
				if err != nil {
					log.Printf("failed to encode payload: %v", err)
					continue
				}

				token := client.Publish(topic, 0, false, data)
				token.Wait()
				if err := token.Error(); err != nil {
					log.Printf("publish error: %v", err)
					continue
				}
				log.Printf("published %s beacon=%s rssi=%.1f", topic, beacon, payload.RSSI)
			}
		}
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// parseGateways reads "addr=rssi,addr=rssi". Gateway addresses may contain colons.
func parseGateways(s string) ([]gatewaySignal, error) {
	var out []gatewaySignal
	for _, item := range splitList(s) {
		addr, rssi, ok := strings.Cut(item, "=")
		addr = strings.TrimSpace(addr)
		if !ok || addr == "" {
			return nil, fmt.Errorf("expected gateway=rssi, got %q", item)
		}
		base, err := strconv.ParseFloat(strings.TrimSpace(rssi), 64)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", addr, err)
		}
		out = append(out, gatewaySignal{Address: addr, BaseRSSI: base})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no gateways given")
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomRSSI(base, jitter float64) float64 {
	if jitter <= 0 {
		return base
	}
	return base + (rand.Float64()*2-1)*jitter
}
