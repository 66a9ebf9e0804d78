package syslogparse

import (
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Message parses one syslog line into a message with the GELF standard
// fields filled in: host from the syslog hostname (or remoteIP), level from
// the severity, short_message from the body. The whole line is kept as
// full_message when it carries a header.
func Message(data []byte, remoteIP string, now time.Time) *message.Message {
	rec := Parse(data, now)

	fields := map[string]any{
		message.FieldVersion: "1.1",
		message.FieldHost:    rec.Hostname,
	}
	if rec.Hostname == "" {
		fields[message.FieldHost] = remoteIP
	}

	short := rec.Body
	if short == "" {
		short = string(data)
	}
	fields[message.FieldShortMessage] = short
	if rec.Body != "" && len(data) > len(rec.Body) {
		fields[message.FieldFullMessage] = string(data)
	}

	if rec.Severity >= 0 {
		fields[message.FieldLevel] = rec.Severity
		fields[message.FieldFacility] = FacilityName(rec.Facility)
	}
	setIf(fields, "application_name", rec.AppName)
	setIf(fields, "process_id", rec.ProcID)
	setIf(fields, "message_id", rec.MsgID)
	setIf(fields, "structured_data", rec.StructuredData)

	if rec.Timestamp.IsZero() {
		msg := message.New(fields, now, remoteIP)
		msg.ReceiveTime = true
		return msg
	}
	return message.New(fields, rec.Timestamp, remoteIP)
}

func setIf(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
