// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging with per-principal context
type Logger struct {
	Component  string
	InstanceID string
	Host       string

	out io.Writer
}

// LogEntry represents a structured log entry emitted as a single JSON line
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Host       string                 `json:"host"`
	Principal  string                 `json:"principal,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Host:       host,
		out:        os.Stdout,
	}
}

// NewWithWriter creates a Logger that writes to the given writer.
// Used by tests to capture output.
func NewWithWriter(component string, w io.Writer) *Logger {
	l := New(component)
	l.out = w
	return l
}

// Log creates a structured log entry and writes it as one JSON line
func (l *Logger) Log(level LogLevel, principal, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Host:       l.Host,
		Principal:  principal,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	if _, err := l.out.Write(append(jsonBytes, '\n')); err != nil {
		log.Printf("ERROR: Failed to write log entry: %v", err)
	}
}

// Info logs an informational message
func (l *Logger) Info(principal, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, principal, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(principal, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, principal, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(principal, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, principal, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(principal, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, principal, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration field
func (l *Logger) InfoWithDuration(principal, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(principal, requestID, message, fields)
}

// ErrorWithCode logs an error with a status code
func (l *Logger) ErrorWithCode(principal, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(principal, requestID, message, fields)
}
