// Package protocol defines the WebSocket message types shared by the live
// stream and the uplink.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-doa/internal/doa"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Estimator → display messages
	TypeDOA         MessageType = "doa"         // Delay and angle estimate
	TypeCalibration MessageType = "calibration" // New channel offsets

	// Bidirectional: announces the current mode, or requests a change
	TypeMode MessageType = "mode"

	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// DOAData contains one estimation result
type DOAData struct {
	Delay     int     `json:"delay"`     // samples, after clamping
	RawDelay  int     `json:"raw_delay"` // samples, before clamping
	Angle     float64 `json:"angle"`     // degrees
	Clamped   bool    `json:"clamped"`
	Flat      bool    `json:"flat"`
	Offsets   [2]int  `json:"offsets"`
	LatencyMs int64   `json:"latency_ms"`
}

// NewDOAMessage creates a DOA message
func NewDOAMessage(data DOAData) (*Message, error) {
	return NewMessage(TypeDOA, data)
}

// GetDOA extracts DOA data from a message
func (m *Message) GetDOA() (*DOAData, error) {
	var data DOAData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// CalibrationData contains the offsets produced by one calibration tick
type CalibrationData struct {
	Lag     int    `json:"lag"`
	Offsets [2]int `json:"offsets"`
	Flat    bool   `json:"flat"`
}

// NewCalibrationMessage creates a calibration message
func NewCalibrationMessage(data CalibrationData) (*Message, error) {
	return NewMessage(TypeCalibration, data)
}

// GetCalibration extracts calibration data from a message
func (m *Message) GetCalibration() (*CalibrationData, error) {
	var data CalibrationData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ModeData announces or requests a controller mode. A request with Toggle
// set flips between calibrating and estimating and ignores Mode.
type ModeData struct {
	Mode   string `json:"mode,omitempty"`
	Toggle bool   `json:"toggle,omitempty"`
}

// NewModeMessage creates a mode message
func NewModeMessage(mode string) (*Message, error) {
	return NewMessage(TypeMode, ModeData{Mode: mode})
}

// GetMode extracts mode data from a message
func (m *Message) GetMode() (*ModeData, error) {
	var data ModeData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// NewPingMessage creates a keepalive ping
func NewPingMessage() (*Message, error) {
	return NewMessage(TypePing, nil)
}

// NewPongMessage creates a ping reply
func NewPongMessage() (*Message, error) {
	return NewMessage(TypePong, nil)
}

// FromOutput converts a controller output into a doa or calibration message
func FromOutput(out doa.Output) (*Message, error) {
	var (
		msg *Message
		err error
	)
	if out.Mode == doa.ModeCalibrating {
		msg, err = NewCalibrationMessage(CalibrationData{
			Lag:     out.RawDelay,
			Offsets: out.Offsets,
			Flat:    out.Flat,
		})
	} else {
		msg, err = NewDOAMessage(DOAData{
			Delay:     out.Delay,
			RawDelay:  out.RawDelay,
			Angle:     out.Angle,
			Clamped:   out.Clamped,
			Flat:      out.Flat,
			Offsets:   out.Offsets,
			LatencyMs: out.LatencyMs,
		})
	}
	if err != nil {
		return nil, err
	}
	if !out.Timestamp.IsZero() {
		msg.Timestamp = out.Timestamp.UnixMilli()
	}
	return msg, nil
}
