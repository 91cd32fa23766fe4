package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minasoft/vital-alerts/internal/db"
)

// bpSpO2Message is the combined blood pressure and pulse oximetry reading sent by
// LifeSigns BP/SpO2 devices.
type bpSpO2Message struct {
	PatientID  string `json:"patientId"`
	FacilityID string `json:"facilityId"`
	DeviceID   string `json:"deviceID"`
	EpochTime  int64  `json:"epochTime"`
	BP         *struct {
		Systolic  float64 `json:"bpSystolic"`
		Diastolic float64 `json:"bpDiastolic"`
	} `json:"bp"`
	SpO2 *struct {
		SpO2      float64 `json:"spo2"`
		PulseRate float64 `json:"pulseRate"`
	} `json:"spo2"`
}

// ecgMessage is the per-packet summary from a LifeSigns ECG patch. The waveform
// samples are not decoded.
type ecgMessage struct {
	PatientID        string  `json:"patientId"`
	FacilityID       string  `json:"facilityId"`
	DeviceID         string  `json:"deviceId"`
	CurrentTimestamp int64   `json:"currentTimestamp"`
	HR               float64 `json:"HR"`
	RR               float64 `json:"RR"`
	RhythmType       string  `json:"rhythmType"`
}

// payloadShape holds the keys used to tell the payload shapes apart.
type payloadShape struct {
	Metric     *string          `json:"metric"`
	BP         *json.RawMessage `json:"bp"`
	SpO2       *json.RawMessage `json:"spo2"`
	HR         *json.RawMessage `json:"HR"`
	RhythmType *string          `json:"rhythmType"`
}

// Decode expands a feed payload into canonical measurements. It accepts a canonical
// measurement, an array of them, or a LifeSigns BP/SpO2 or ECG message. Vendor
// fields that are zero were not measured and are skipped.
func Decode(payload []byte) ([]db.Measurement, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload: %w", db.ErrInvalidMeasurement)
	}
	if payload[0] == '[' {
		var ms []db.Measurement
		if err := json.Unmarshal(payload, &ms); err != nil {
			return nil, fmt.Errorf("decode measurement list: %v: %w", err, db.ErrInvalidMeasurement)
		}
		return ms, nil
	}

	var p payloadShape
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %v: %w", err, db.ErrInvalidMeasurement)
	}
	switch {
	case p.Metric != nil:
		var m db.Measurement
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode measurement: %v: %w", err, db.ErrInvalidMeasurement)
		}
		return []db.Measurement{m}, nil
	case p.BP != nil || p.SpO2 != nil:
		var msg bpSpO2Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode bp/spo2 message: %v: %w", err, db.ErrInvalidMeasurement)
		}
		return msg.measurements(), nil
	case p.HR != nil || p.RhythmType != nil:
		var msg ecgMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode ecg message: %v: %w", err, db.ErrInvalidMeasurement)
		}
		return msg.measurements(), nil
	}
	return nil, fmt.Errorf("unrecognised payload: %w", db.ErrInvalidMeasurement)
}

func (msg bpSpO2Message) measurements() []db.Measurement {
	base := db.Measurement{
		DeviceID:   msg.DeviceID,
		PatientID:  msg.PatientID,
		FacilityID: msg.FacilityID,
		Timestamp:  epoch(msg.EpochTime),
	}
	var out []db.Measurement
	add := func(metric string, value float64, unit string) {
		if value == 0 {
			return
		}
		m := base
		m.Metric, m.Value, m.Unit = metric, value, unit
		out = append(out, m)
	}
	if msg.BP != nil {
		add(db.MetricBloodPressureSystolic, msg.BP.Systolic, "mmHg")
		add(db.MetricBloodPressureDiastolic, msg.BP.Diastolic, "mmHg")
	}
	if msg.SpO2 != nil {
		add(db.MetricOxygenSaturation, msg.SpO2.SpO2, "%")
		add(db.MetricHeartRate, msg.SpO2.PulseRate, "bpm")
	}
	return out
}

func (msg ecgMessage) measurements() []db.Measurement {
	base := db.Measurement{
		DeviceID:   msg.DeviceID,
		PatientID:  msg.PatientID,
		FacilityID: msg.FacilityID,
		Timestamp:  epoch(msg.CurrentTimestamp),
	}
	arrhythmia := abnormalRhythm(msg.RhythmType)

	var out []db.Measurement
	if msg.HR != 0 || arrhythmia {
		m := base
		m.Metric, m.Value, m.Unit = db.MetricHeartRate, msg.HR, "bpm"
		if arrhythmia {
			m.Flags = map[string]bool{db.FlagArrhythmia: true}
		}
		out = append(out, m)
	}
	if msg.RR != 0 {
		m := base
		m.Metric, m.Value, m.Unit = db.MetricRespiratoryRate, msg.RR, "breaths/min"
		out = append(out, m)
	}
	return out
}

func abnormalRhythm(rhythm string) bool {
	switch strings.ToLower(strings.TrimSpace(rhythm)) {
	case "", "normal", "sinus", "nsr", "normal sinus rhythm", "sinus rhythm":
		return false
	}
	return true
}

// epoch accepts seconds or milliseconds since the Unix epoch.
func epoch(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e12:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}
