package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cg-telemetry/cg-ingester/internal/gps"
	"github.com/cg-telemetry/cg-ingester/internal/history"
)

// Message kinds produced by topic parsing.
const (
	KindGPS     = "gps"
	KindDecoded = "decoded"
)

var (
	reTelemetry = regexp.MustCompile(`^cg/v1/telemetry/SN/([^/]+)$`)
	reDecoded   = regexp.MustCompile(`^cg/v1/decoded/SN/([^/]+)/pcc/(\d+)$`)
)

// Route is the result of topic parsing: enough to partition the message by
// router before the payload is decoded.
type Route struct {
	Kind     string
	RouterSN string
	PanelID  int
}

// ParseTopic matches a broker topic against the two known grammars.
func ParseTopic(topic string) (Route, bool) {
	if m := reTelemetry.FindStringSubmatch(topic); m != nil {
		return Route{Kind: KindGPS, RouterSN: m[1]}, true
	}
	if m := reDecoded.FindStringSubmatch(topic); m != nil {
		panelID, err := strconv.Atoi(m[2])
		if err != nil {
			return Route{}, false
		}
		return Route{Kind: KindDecoded, RouterSN: m[1], PanelID: panelID}, true
	}
	return Route{}, false
}

// Message is one broker delivery queued for an ingest worker.
type Message struct {
	Route      Route
	Payload    []byte
	ReceivedAt time.Time
}

type gpsPayload struct {
	GPS *gpsBlock `json:"GPS"`
}

type gpsBlock struct {
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Satellites *int     `json:"satellites"`
	FixStatus  *int     `json:"fix_status"`
	Timestamp  *int64   `json:"timestamp"`
	DateISO    string   `json:"date_iso_8601"`
}

// DecodeGPS converts the wire JSON into a typed fix. date_iso_8601 wins over
// the epoch timestamp when both are present.
func DecodeGPS(payload []byte, receivedAt time.Time) (gps.Fix, error) {
	var p gpsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gps.Fix{}, fmt.Errorf("decoding gps payload: %w", err)
	}
	if p.GPS == nil {
		return gps.Fix{}, fmt.Errorf("gps payload: missing GPS object")
	}
	if p.GPS.Latitude == nil || p.GPS.Longitude == nil {
		return gps.Fix{}, fmt.Errorf("gps payload: missing latitude/longitude")
	}

	fix := gps.Fix{
		Lat:        *p.GPS.Latitude,
		Lon:        *p.GPS.Longitude,
		ReceivedAt: receivedAt,
	}
	if p.GPS.Satellites != nil {
		fix.Satellites = *p.GPS.Satellites
	}
	if p.GPS.FixStatus != nil {
		fix.FixStatus = *p.GPS.FixStatus
	}

	if p.GPS.DateISO != "" {
		if t, err := parseISOTime(p.GPS.DateISO); err == nil {
			fix.GPSTime = t
		}
	}
	if fix.GPSTime.IsZero() && p.GPS.Timestamp != nil {
		fix.GPSTime = time.Unix(*p.GPS.Timestamp, 0).UTC()
	}
	return fix, nil
}

type decodedPayload struct {
	Timestamp string         `json:"timestamp"`
	RouterSN  string         `json:"router_sn"`
	BServerID int            `json:"bserver_id"`
	Registers []wireRegister `json:"registers"`
}

type wireRegister struct {
	Addr   *int    `json:"addr"`
	Name   *string `json:"name"`
	Value  any     `json:"value"`
	Text   *string `json:"text"`
	Unit   *string `json:"unit"`
	Raw    *int64  `json:"raw"`
	Reason *string `json:"reason"`
}

// RegisterSample pairs a register address with its typed observation.
type RegisterSample struct {
	Addr   int
	Sample history.Sample
}

// DecodedMessage is a typed decoded-panel payload.
type DecodedMessage struct {
	Timestamp time.Time // zero when absent or unparseable
	Registers []RegisterSample
	Skipped   int // register entries without a usable addr
}

// DecodeDecoded converts the wire JSON once at the boundary. A non-numeric
// value is demoted into the text field so the typed sample stays numeric.
func DecodeDecoded(payload []byte) (DecodedMessage, error) {
	var p decodedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return DecodedMessage{}, fmt.Errorf("decoding decoded payload: %w", err)
	}
	if p.Registers == nil {
		return DecodedMessage{}, fmt.Errorf("decoded payload: missing registers[]")
	}

	msg := DecodedMessage{}
	if p.Timestamp != "" {
		if t, err := parseISOTime(p.Timestamp); err == nil {
			msg.Timestamp = t
		}
	}

	for _, r := range p.Registers {
		if r.Addr == nil {
			msg.Skipped++
			continue
		}
		s := history.Sample{
			Ts:     msg.Timestamp,
			Raw:    r.Raw,
			Text:   r.Text,
			Unit:   r.Unit,
			Name:   r.Name,
			Reason: r.Reason,
		}
		switch v := r.Value.(type) {
		case float64:
			s.Value = &v
		case string:
			if s.Text == nil {
				s.Text = &v
			}
		case nil:
		default:
			// Booleans and other JSON shapes become text.
			if s.Text == nil {
				txt := fmt.Sprintf("%v", v)
				s.Text = &txt
			}
		}
		msg.Registers = append(msg.Registers, RegisterSample{Addr: *r.Addr, Sample: s})
	}
	return msg, nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseISOTime(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}
