package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	obj := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		obj[k] = v
	}
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message
	obj["ts"] = entry.Timestamp.UnixMilli()
	if entry.Component != "" {
		obj["component"] = entry.Component
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders entries as human-readable lines:
//
//	2006-01-02T15:04:05.000 INFO  [server] message key=value
type TextFormatter struct{}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000"))
	fmt.Fprintf(&buf, " %-5s ", entry.Level.String())
	if entry.Component != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.Component)
	}
	buf.WriteString(entry.Message)
	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
