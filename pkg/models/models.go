// Package models defines the domain models shared across the fleet core.
package models

import (
	"time"
)

// ProcessStatus represents the lifecycle state of a managed process instance.
type ProcessStatus string

const (
	ProcessStopped ProcessStatus = "stopped"
	ProcessRunning ProcessStatus = "running"
	ProcessError   ProcessStatus = "error"
)

// ProcessConfig is the desired configuration for a managed process instance.
type ProcessConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	DeviceID    string            `json:"device_id,omitempty"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	AutoRestart bool              `json:"auto_restart"`
	MaxRestarts int               `json:"max_restarts"`
}

// ProcessSnapshot is a point-in-time view of a managed process instance.
type ProcessSnapshot struct {
	ProcessConfig
	Status       ProcessStatus `json:"status"`
	PID          *int          `json:"pid,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    *string       `json:"last_error,omitempty"`
}

// LogLine is a single captured line from a process output stream.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "info" for stdout, "error" for stderr
	Line      string    `json:"line"`
}

// ConnectionState represents the connectivity of a remote client.
type ConnectionState string

const (
	ClientDisconnected ConnectionState = "disconnected"
	ClientConnecting   ConnectionState = "connecting"
	ClientConnected    ConnectionState = "connected"
	ClientError        ConnectionState = "error"
)

// ClientConfig is the registration configuration for a remote peer system.
type ClientConfig struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Type           string        `json:"type,omitempty"`
	BaseURL        string        `json:"base_url"`
	SocketURL      string        `json:"socket_url,omitempty"`
	Token          string        `json:"-"`
	Capabilities   []string      `json:"capabilities,omitempty"`
	HealthInterval time.Duration `json:"health_interval,omitempty"`
}

// ClientSnapshot is a point-in-time view of a registered remote client.
type ClientSnapshot struct {
	ClientConfig
	State           ConnectionState `json:"state"`
	Tools           []string        `json:"tools,omitempty"`
	Resources       []string        `json:"resources,omitempty"`
	LastHealthCheck *time.Time      `json:"last_health_check,omitempty"`
}

// InvokeResult is the outcome of a single remote tool invocation. Remote-side
// failures (including timeouts) are carried as a value, never as a Go error.
type InvokeResult struct {
	Success         bool        `json:"success"`
	Data            interface{} `json:"data,omitempty"`
	Error           string      `json:"error,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	CorrelationID   string      `json:"correlation_id"`
}
