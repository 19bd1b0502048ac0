// canreplay generates synthetic CAN capture scripts for busrecon.
//
// Usage:
//
//	go run cmd/canreplay/main.go -out capture.jsonl -scenario stacked -duration 10
//
// The output is a JSON-lines file consumable via BUSRECON_REPLAY. With -url
// set, the tool also triggers a scan against a running busrecon instance and
// prints the resulting report summary.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"time"
)

type frameRecord struct {
	ID       uint32  `json:"id"`
	Data     string  `json:"data"`
	OffsetMs float64 `json:"offsetMs"`
}

// deviceTraffic describes one device's synthetic broadcast pattern.
type deviceTraffic struct {
	name   string
	ids    []uint32
	rateHz float64
}

var scenarios = map[string][]deviceTraffic{
	// A single Holley standalone, clean bus.
	"holley": {
		{name: "HolleyEFI", ids: []uint32{0x200, 0x201, 0x202, 0x203}, rateHz: 50},
	},
	// Haltech standalone with a JB4 piggyback and OEM diagnostics.
	"stacked": {
		{name: "Haltech", ids: []uint32{0x360, 0x361, 0x362, 0x368, 0x369}, rateHz: 50},
		{name: "JB4", ids: []uint32{0x500, 0x501, 0x502}, rateHz: 20},
		{name: "OEM", ids: []uint32{0x7DF, 0x7E8}, rateHz: 2},
	},
	// Two standalones fighting over the bus, sharing 0x200.
	"collision": {
		{name: "HolleyEFI", ids: []uint32{0x200, 0x201, 0x202, 0x203}, rateHz: 50},
		{name: "AEM Infinity", ids: []uint32{0x180, 0x181, 0x182, 0x200}, rateHz: 40},
	},
}

func main() {
	out := flag.String("out", "capture.jsonl", "Output capture script path")
	scenario := flag.String("scenario", "stacked", "Traffic scenario: holley, stacked, collision")
	duration := flag.Float64("duration", 10, "Capture length in seconds")
	seed := flag.Int64("seed", 42, "PRNG seed for payload bytes")
	url := flag.String("url", "", "busrecon base URL; when set, trigger a scan after writing")
	vehicle := flag.String("vehicle", "bench-1", "Vehicle ID for the scan request")
	flag.Parse()

	devices, ok := scenarios[*scenario]
	if !ok {
		fmt.Printf("unknown scenario %q\n\n", *scenario)
		flag.PrintDefaults()
		os.Exit(1)
	}

	frames := generate(devices, *duration, *seed)

	if err := writeScript(*out, frames); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %d frames to %s (scenario %s, %.1fs)\n",
		len(frames), *out, *scenario, *duration)

	if *url != "" {
		if err := triggerScan(*url, *vehicle, *duration); err != nil {
			fmt.Printf("ERROR: scan failed: %v\n", err)
			os.Exit(1)
		}
	}
}

// generate interleaves every device's broadcast schedule into one
// time-ordered frame list.
func generate(devices []deviceTraffic, duration float64, seed int64) []frameRecord {
	rng := rand.New(rand.NewSource(seed))
	var frames []frameRecord

	for _, dev := range devices {
		interval := 1000.0 / dev.rateHz // ms between broadcast rounds
		for t := 0.0; t < duration*1000; t += interval {
			for _, id := range dev.ids {
				payload := make([]byte, 8)
				rng.Read(payload)
				frames = append(frames, frameRecord{
					ID:       id,
					Data:     hex.EncodeToString(payload),
					OffsetMs: t + rng.Float64()*2,
				})
			}
		}
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].OffsetMs < frames[j].OffsetMs })
	return frames
}

func writeScript(path string, frames []frameRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, frame := range frames {
		if err := enc.Encode(frame); err != nil {
			return err
		}
	}
	return nil
}

// triggerScan asks a running instance to scan and prints the summary.
func triggerScan(baseURL, vehicleID string, window float64) error {
	body, _ := json.Marshal(map[string]any{"windowSeconds": window})

	req, err := http.NewRequest(http.MethodPost, baseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vehicle-ID", vehicleID)

	client := &http.Client{Timeout: time.Duration(window*2)*time.Second + 30*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var report struct {
		ID   string `json:"id"`
		ECUs []struct {
			Vendor      string  `json:"vendor"`
			Type        string  `json:"type"`
			MessageRate float64 `json:"messageRate"`
			IsPrimary   bool    `json:"isPrimary"`
		} `json:"ecus"`
		Summary struct {
			CANIDCollisions    int `json:"canIdCollisions"`
			PiggybackConflicts int `json:"piggybackConflicts"`
			DualControl        int `json:"dualControl"`
		} `json:"summary"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}

	fmt.Printf("\nscan %s\n", report.ID)
	for _, ecu := range report.ECUs {
		marker := " "
		if ecu.IsPrimary {
			marker = "*"
		}
		fmt.Printf("  %s %-14s %-14s %6.1f msg/s\n", marker, ecu.Vendor, ecu.Type, ecu.MessageRate)
	}
	fmt.Printf("  conflicts: %d collision, %d piggyback, %d dual-control\n",
		report.Summary.CANIDCollisions,
		report.Summary.PiggybackConflicts,
		report.Summary.DualControl,
	)
	for _, rec := range report.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
	return nil
}
