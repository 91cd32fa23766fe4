package hl7

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/minasoft/vital-alerts/internal/db"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D
)

// LOINC codes mapped to canonical metrics.
var loincMetrics = map[string]string{
	"8867-4":  db.MetricHeartRate,
	"8480-6":  db.MetricBloodPressureSystolic,
	"8462-4":  db.MetricBloodPressureDiastolic,
	"59408-5": db.MetricOxygenSaturation,
	"2708-6":  db.MetricOxygenSaturation,
	"8310-5":  db.MetricTemperature,
	"9279-1":  db.MetricRespiratoryRate,
	"29463-7": db.MetricWeight,
	"2339-0":  db.MetricBloodGlucose,
}

// Header holds the MSH fields used for routing and acknowledgment.
type Header struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	Timestamp            string
	MessageType          string
	ControlID            string
}

func segments(data []byte) []string {
	data = UnwrapMLLP(data)
	raw := strings.Split(strings.ReplaceAll(string(data), "\n", "\r"), "\r")
	out := raw[:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func component(value string, i int) string {
	parts := strings.Split(value, "^")
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// ParseHeader reads the MSH segment.
func ParseHeader(data []byte) (Header, error) {
	segs := segments(data)
	if len(segs) == 0 {
		return Header{}, fmt.Errorf("empty message")
	}
	if !strings.HasPrefix(segs[0], "MSH") {
		return Header{}, fmt.Errorf("invalid HL7 message: MSH segment not found")
	}
	msh := strings.Split(segs[0], "|")
	if len(msh) < 12 {
		return Header{}, fmt.Errorf("MSH segment has %d fields, need at least 12", len(msh))
	}
	return Header{
		SendingApplication:   component(msh[2], 0),
		SendingFacility:      component(msh[3], 0),
		ReceivingApplication: component(msh[4], 0),
		ReceivingFacility:    component(msh[5], 0),
		Timestamp:            msh[6],
		MessageType:          msh[8],
		ControlID:            msh[9],
	}, nil
}

// ParseObservations turns an ORU^R01 message into measurements. Numeric OBX
// segments with a known LOINC code are kept and other observations are skipped.
// The patient comes from PID-3, the device from OBX-18 or MSH-3 and the time from
// OBX-14 or MSH-7.
func ParseObservations(data []byte) ([]db.Measurement, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, db.ErrInvalidMeasurement)
	}
	if component(hdr.MessageType, 0) != "ORU" {
		return nil, fmt.Errorf("unsupported message type %q: %w", hdr.MessageType, db.ErrInvalidMeasurement)
	}

	var patientID, facilityID string
	var out []db.Measurement
	for _, seg := range segments(data)[1:] {
		fields := strings.Split(seg, "|")
		switch fields[0] {
		case "PID":
			patientID = component(field(fields, 3), 0)
		case "PV1":
			facilityID = component(field(fields, 3), 0)
		case "OBX":
			m, ok, err := observation(fields, hdr)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			m.PatientID = patientID
			m.FacilityID = facilityID
			if m.FacilityID == "" {
				m.FacilityID = hdr.SendingFacility
			}
			out = append(out, m)
		}
	}

	for _, m := range out {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("observation %s: %w", m.Metric, err)
		}
	}
	return out, nil
}

func observation(fields []string, hdr Header) (db.Measurement, bool, error) {
	if field(fields, 2) != "NM" {
		return db.Measurement{}, false, nil
	}
	code := component(field(fields, 3), 0)
	metric, ok := loincMetrics[code]
	if !ok {
		return db.Measurement{}, false, nil
	}

	raw := strings.TrimSpace(field(fields, 5))
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return db.Measurement{}, false, fmt.Errorf("OBX %s value %q is not numeric: %w", code, raw, db.ErrInvalidMeasurement)
	}

	stamp := field(fields, 14)
	if stamp == "" {
		stamp = hdr.Timestamp
	}
	ts, err := ParseTimestamp(stamp)
	if err != nil {
		return db.Measurement{}, false, fmt.Errorf("OBX %s: %v: %w", code, err, db.ErrInvalidMeasurement)
	}

	device := component(field(fields, 18), 0)
	if device == "" {
		device = hdr.SendingApplication
	}
	return db.Measurement{
		DeviceID:  device,
		Metric:    metric,
		Value:     value,
		Unit:      component(field(fields, 6), 0),
		Timestamp: ts,
	}, true, nil
}

var timestampLayouts = []string{
	"20060102150405.0000-0700",
	"20060102150405-0700",
	"200601021504-0700",
	"20060102150405.0000",
	"20060102150405",
	"200601021504",
	"20060102",
}

// ParseTimestamp reads an HL7 TS value. Values without an offset are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = component(value, 0)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid HL7 timestamp %q", value)
}

// CreateACK builds an MLLP framed acknowledgment for the original message.
func CreateACK(original []byte, ackCode, text string) []byte {
	hdr, _ := ParseHeader(original)

	timestamp := time.Now().UTC().Format("20060102150405")
	controlID := hdr.ControlID
	if controlID == "" {
		controlID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	trigger := component(hdr.MessageType, 1)

	ack := fmt.Sprintf("MSH|^~\\&|VITAL_ALERTS|%s|%s|%s|%s||ACK^%s|ACK%s|P|2.5\rMSA|%s|%s|%s",
		hdr.ReceivingFacility,
		hdr.SendingApplication,
		hdr.SendingFacility,
		timestamp,
		trigger,
		controlID,
		ackCode,
		hdr.ControlID,
		escape(text))
	return WrapMLLP([]byte(ack + "\r"))
}

func escape(s string) string {
	return strings.NewReplacer("\\", `\E\`, "|", `\F\`, "^", `\S\`, "&", `\T\`, "~", `\R\`, "\r", " ", "\n", " ").Replace(s)
}

// AckCode returns MSA-1 of an acknowledgment.
func AckCode(ack []byte) string {
	for _, seg := range segments(ack) {
		if strings.HasPrefix(seg, "MSA|") {
			return field(strings.Split(seg, "|"), 1)
		}
	}
	return ""
}

func WrapMLLP(message []byte) []byte {
	if len(message) == 0 || message[0] == StartBlock {
		return message
	}
	out := make([]byte, 0, len(message)+3)
	out = append(out, StartBlock)
	out = append(out, message...)
	return append(out, EndBlock, CarriageReturn)
}

func UnwrapMLLP(message []byte) []byte {
	message = bytes.TrimPrefix(message, []byte{StartBlock})
	message = bytes.TrimSuffix(message, []byte{EndBlock, CarriageReturn})
	return message
}

// ReadFrame reads one MLLP frame, discarding bytes before the start block.
func ReadFrame(reader *bufio.Reader) ([]byte, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
	}

	var buffer bytes.Buffer
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == EndBlock {
			cr, err := reader.ReadByte()
			if err != nil {
				return nil, err
			}
			if cr != CarriageReturn {
				return nil, fmt.Errorf("MLLP framing error: expected CR, got %02X", cr)
			}
			return buffer.Bytes(), nil
		}
		buffer.WriteByte(b)
	}
}
