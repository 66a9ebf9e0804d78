package otlp

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Resource attributes carry this prefix in the message fields.
const resourcePrefix = "resource_"

// buildMessage maps one OTLP log record onto a GELF-shaped message. Record
// attributes win over scope attributes, which win over resource
// attributes. Dots in attribute keys become underscores.
func buildMessage(lr *logspb.LogRecord, resource []*commonpb.KeyValue, scope *commonpb.InstrumentationScope, source string, now time.Time) *message.Message {
	fields := map[string]any{
		message.FieldVersion: "1.1",
	}
	for _, kv := range resource {
		fields[resourcePrefix+fieldKey(kv.GetKey())] = anyValue(kv.GetValue())
	}
	if scope != nil {
		if scope.GetName() != "" {
			fields["otel_scope"] = scope.GetName()
		}
		for _, kv := range scope.GetAttributes() {
			fields[fieldKey(kv.GetKey())] = anyValue(kv.GetValue())
		}
	}
	for _, kv := range lr.GetAttributes() {
		key := fieldKey(kv.GetKey())
		if key == "" || key == message.FieldVersion {
			continue
		}
		fields[key] = anyValue(kv.GetValue())
	}

	short := anyValueToString(lr.GetBody())
	if short == "" {
		short = lr.GetEventName()
	}
	fields[message.FieldShortMessage] = short

	host := source
	for _, kv := range resource {
		if kv.GetKey() == "host.name" {
			if h := anyValueToString(kv.GetValue()); h != "" {
				host = h
			}
		}
	}
	fields[message.FieldHost] = host

	if lvl, ok := syslogLevel(lr.GetSeverityNumber()); ok {
		fields[message.FieldLevel] = lvl
	}
	if lr.GetSeverityText() != "" {
		fields["severity"] = lr.GetSeverityText()
	}
	if len(lr.GetTraceId()) > 0 {
		fields["trace_id"] = hex.EncodeToString(lr.GetTraceId())
	}
	if len(lr.GetSpanId()) > 0 {
		fields["span_id"] = hex.EncodeToString(lr.GetSpanId())
	}

	ts := now
	switch {
	case lr.GetTimeUnixNano() != 0:
		ts = time.Unix(0, int64(lr.GetTimeUnixNano())) //nolint:gosec // G115: OTLP nanosecond timestamps are well within int64 range
	case lr.GetObservedTimeUnixNano() != 0:
		ts = time.Unix(0, int64(lr.GetObservedTimeUnixNano())) //nolint:gosec // G115: OTLP nanosecond timestamps are well within int64 range
	}
	return message.New(fields, ts, source)
}

// syslogLevel maps an OTLP severity number onto the syslog severity scale
// used by the GELF level field.
func syslogLevel(sev logspb.SeverityNumber) (int, bool) {
	switch {
	case sev == logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED:
		return 0, false
	case sev <= logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG4:
		return 7, true
	case sev <= logspb.SeverityNumber_SEVERITY_NUMBER_INFO4:
		return 6, true
	case sev <= logspb.SeverityNumber_SEVERITY_NUMBER_WARN4:
		return 4, true
	case sev <= logspb.SeverityNumber_SEVERITY_NUMBER_ERROR4:
		return 3, true
	default:
		return 2, true
	}
}

func fieldKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// anyValue converts an OTLP AnyValue to a field value. Scalars keep their
// type; arrays and maps become JSON strings.
func anyValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	default:
		return anyValueToString(v)
	}
}

// anyValueToString converts an OTLP AnyValue to its string representation.
func anyValueToString(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		data, _ := json.Marshal(arrayValues(val.ArrayValue))
		return string(data)
	case *commonpb.AnyValue_KvlistValue:
		data, _ := json.Marshal(kvListValues(val.KvlistValue))
		return string(data)
	default:
		return ""
	}
}

func arrayValues(av *commonpb.ArrayValue) []any {
	out := make([]any, len(av.GetValues()))
	for i, v := range av.GetValues() {
		out[i] = anyValue(v)
	}
	return out
}

func kvListValues(kv *commonpb.KeyValueList) map[string]any {
	out := make(map[string]any, len(kv.GetValues()))
	for _, e := range kv.GetValues() {
		out[e.GetKey()] = anyValue(e.GetValue())
	}
	return out
}
