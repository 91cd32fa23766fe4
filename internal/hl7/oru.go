package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Observation is one numeric result in an outgoing ORU^R01.
type Observation struct {
	Code  string
	Name  string
	Value float64
	Unit  string
	Time  time.Time
}

// ORU describes an unsolicited observation message as sent by a bedside monitor.
type ORU struct {
	SendingApplication string
	SendingFacility    string
	ControlID          string
	PatientID          string
	Location           string
	DeviceID           string
	Time               time.Time
	Observations       []Observation
}

// Encode renders the message with CR segment separators, unframed.
func (o ORU) Encode() []byte {
	ts := o.Time.UTC().Format("20060102150405")
	segs := []string{
		fmt.Sprintf("MSH|^~\\&|%s|%s|VITAL_ALERTS|%s|%s||ORU^R01|%s|P|2.5",
			o.SendingApplication, o.SendingFacility, o.SendingFacility, ts, o.ControlID),
		fmt.Sprintf("PID|1||%s^^^%s^MR", o.PatientID, o.SendingFacility),
	}
	if o.Location != "" {
		segs = append(segs, fmt.Sprintf("PV1|1|I|%s", o.Location))
	}
	segs = append(segs, fmt.Sprintf("OBR|1|||%s^Vital signs^LN|||%s", "85353-1", ts))
	for i, obs := range o.Observations {
		at := obs.Time
		if at.IsZero() {
			at = o.Time
		}
		segs = append(segs, fmt.Sprintf("OBX|%d|NM|%s^%s^LN||%s|%s|||||F|||%s||||%s",
			i+1, obs.Code, obs.Name,
			strconv.FormatFloat(obs.Value, 'f', -1, 64),
			obs.Unit,
			at.UTC().Format("20060102150405"),
			o.DeviceID))
	}
	return []byte(strings.Join(segs, "\r") + "\r")
}
