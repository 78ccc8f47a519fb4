// Package ocpp implements the JSON array framing and the message dispatcher
// for the station-facing protocol.
package ocpp

import (
	"encoding/json"
	"fmt"
)

// Message type ids on the wire.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Call is a parsed inbound [messageTypeId, uniqueId, action, payload]
// frame.
type Call struct {
	MessageTypeID int
	UniqueID      string
	Action        string
	Payload       json.RawMessage
}

// ParseCall decodes an inbound frame. The dispatcher is lenient about the
// message type id but strict about the element count and types.
func ParseCall(data []byte) (*Call, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(elems) != 4 {
		return nil, fmt.Errorf("call frame must have 4 elements, got %d", len(elems))
	}

	var call Call
	if err := json.Unmarshal(elems[0], &call.MessageTypeID); err != nil {
		return nil, fmt.Errorf("invalid message type id: %w", err)
	}
	if err := json.Unmarshal(elems[1], &call.UniqueID); err != nil {
		return nil, fmt.Errorf("invalid unique id: %w", err)
	}
	if err := json.Unmarshal(elems[2], &call.Action); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	call.Payload = elems[3]
	return &call, nil
}

// MarshalResult frames a success reply as [3, uniqueId, payload].
func MarshalResult(uniqueID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCallResult, uniqueID, payload})
}

// MarshalError frames a failure reply as [4, uniqueId, code, description].
func MarshalError(uniqueID string, callErr *CallError) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCallError, uniqueID, callErr.Code, callErr.Description})
}
