package db

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrVersionConflict    = errors.New("alert version conflict")
	ErrNotFound           = errors.New("alert not found")
)

// Canonical metric names.
const (
	MetricHeartRate              = "heartRate"
	MetricBloodPressureSystolic  = "bloodPressureSystolic"
	MetricBloodPressureDiastolic = "bloodPressureDiastolic"
	MetricOxygenSaturation       = "oxygenSaturation"
	MetricTemperature            = "temperature"
	MetricRespiratoryRate        = "respiratoryRate"
	MetricWeight                 = "weight"
	MetricBloodGlucose           = "bloodGlucose"
	MetricCholesterol            = "cholesterol"
	MetricHDL                    = "hdl"
	MetricLDL                    = "ldl"
	MetricTriglycerides          = "triglycerides"
)

// Device flags that force the highest severity.
const (
	FlagArrhythmia = "arrhythmia"
	FlagPanicEvent = "panicEvent"
)

type Measurement struct {
	DeviceID   string          `json:"deviceId"`
	PatientID  string          `json:"patientId"`
	FacilityID string          `json:"facilityId,omitempty"`
	Metric     string          `json:"metric"`
	Value      float64         `json:"value"`
	Unit       string          `json:"unit"`
	Timestamp  time.Time       `json:"timestamp"`
	Flags      map[string]bool `json:"flags,omitempty"`
}

// Validate rejects readings that must never reach the classifier.
func (m Measurement) Validate() error {
	var missing []string
	if m.DeviceID == "" {
		missing = append(missing, "deviceId")
	}
	if m.PatientID == "" {
		missing = append(missing, "patientId")
	}
	if m.Metric == "" {
		missing = append(missing, "metric")
	}
	if m.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), ErrInvalidMeasurement)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("%s value is not finite: %w", m.Metric, ErrInvalidMeasurement)
	}
	return nil
}

type AlertStatus string

const (
	StatusNew          AlertStatus = "New"
	StatusAcknowledged AlertStatus = "Acknowledged"
	StatusResolved     AlertStatus = "Resolved"
)

// Open reports whether the alert still needs a terminal transition.
func (s AlertStatus) Open() bool {
	return s == StatusNew || s == StatusAcknowledged
}

type EscalationPolicy struct {
	AutoEscalateAfterMinutes int `json:"autoEscalateAfterMinutes"`
}

type Alert struct {
	ID             string            `json:"id"`
	PatientID      string            `json:"patientId"`
	DeviceID       string            `json:"deviceId"`
	FacilityID     string            `json:"facilityId,omitempty"`
	Metric         string            `json:"metric"`
	Value          float64           `json:"value"`
	Unit           string            `json:"unit"`
	Timestamp      time.Time         `json:"timestamp"`
	Severity       string            `json:"severity"`
	Message        string            `json:"message"`
	Status         AlertStatus       `json:"status"`
	Escalated      bool              `json:"escalated"`
	EscalatedAt    *time.Time        `json:"escalatedAt,omitempty"`
	IsAcknowledged bool              `json:"isAcknowledged"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string            `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy     string            `json:"resolvedBy,omitempty"`
	Escalation     *EscalationPolicy `json:"escalation,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Version        int64             `json:"version"`
}

// Clone returns a deep copy so callers never share pointers with the engine.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	if a.Escalation != nil {
		p := *a.Escalation
		c.Escalation = &p
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Lifecycle event types carried on the pub/sub topics.
const (
	EventAlertCreated      = "alert-created"
	EventAlertEscalated    = "alert-escalated"
	EventAlertAcknowledged = "alert-acknowledged"
	EventAlertResolved     = "alert-resolved"
)

var EventTypes = []string{
	EventAlertCreated,
	EventAlertEscalated,
	EventAlertAcknowledged,
	EventAlertResolved,
}

type AlertEvent struct {
	Type        string    `json:"type"`
	Alert       *Alert    `json:"alert"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Audit actions.
const (
	ActionAlertCreated      = "alert.created"
	ActionAlertUpdated      = "alert.updated"
	ActionAlertEscalated    = "alert.escalated"
	ActionAlertAcknowledged = "alert.acknowledged"
	ActionAlertResolved     = "alert.resolved"
)

type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type ConsumerInfo struct {
	Stream          string `json:"stream"`
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Delivered       uint64 `json:"delivered"`
	AckPending      uint64 `json:"ack_pending"`
	RedeliveryCount uint64 `json:"redelivery_count"`
}
