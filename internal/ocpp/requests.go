package ocpp

import (
	"encoding/json"
	"strings"
)

// Request payloads are parsed into typed structs whose Validate method
// returns the ordered list of field-level violations. The dispatcher joins
// all violations into a single ProtocolError description.

// ParsePayload decodes a payload into dst and validates it, returning a
// ProtocolError when decoding fails or any violation is found.
func ParsePayload(data json.RawMessage, dst interface{ Validate() []string }) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return NewProtocolError("payload is not a valid JSON object")
	}
	if violations := dst.Validate(); len(violations) > 0 {
		return NewProtocolError(strings.Join(violations, "; "))
	}
	return nil
}

// BootNotificationRequest registers or updates a station.
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
}

func (r *BootNotificationRequest) Validate() []string {
	var v []string
	if r.ChargePointVendor == "" {
		v = append(v, "chargePointVendor is required")
	}
	if r.ChargePointModel == "" {
		v = append(v, "chargePointModel is required")
	}
	if r.ChargePointSerialNumber == "" {
		v = append(v, "chargePointSerialNumber is required")
	}
	if r.ChargeBoxSerialNumber == "" {
		v = append(v, "chargeBoxSerialNumber is required")
	}
	return v
}

// StatusNotificationRequest reports a connector status change.
type StatusNotificationRequest struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Info        string `json:"info,omitempty"`
}

func (r *StatusNotificationRequest) Validate() []string {
	var v []string
	if r.ConnectorID <= 0 {
		v = append(v, "connectorId must be a positive integer")
	}
	if r.Status == "" {
		v = append(v, "status is required")
	}
	return v
}

// AuthorizeRequest asks whether a tag may charge.
type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

func (r *AuthorizeRequest) Validate() []string {
	if strings.TrimSpace(r.IdTag) == "" {
		return []string{"idTag missing or invalid"}
	}
	return nil
}

// StartTransactionRequest opens a charging session. MeterStart is a
// pointer so a missing field is distinguishable from zero.
type StartTransactionRequest struct {
	ConnectorID int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
	MeterStart  *int64 `json:"meterStart"`
	Timestamp   string `json:"timestamp"`
}

func (r *StartTransactionRequest) Validate() []string {
	var v []string
	if r.ConnectorID <= 0 {
		v = append(v, "connectorId is required")
	}
	if strings.TrimSpace(r.IdTag) == "" {
		v = append(v, "idTag is required")
	}
	if r.MeterStart == nil {
		v = append(v, "meterStart is required")
	}
	if r.Timestamp == "" {
		v = append(v, "timestamp is required")
	}
	return v
}

// StopTransactionRequest closes a charging session.
type StopTransactionRequest struct {
	TransactionID string `json:"transactionId"`
	MeterStop     *int64 `json:"meterStop"`
	Timestamp     string `json:"timestamp"`
}

func (r *StopTransactionRequest) Validate() []string {
	var v []string
	if r.TransactionID == "" {
		v = append(v, "transactionId is required")
	}
	if r.MeterStop == nil {
		v = append(v, "meterStop is required")
	}
	if r.Timestamp == "" {
		v = append(v, "timestamp is required")
	}
	return v
}

// Energy register measurand reported by stations; only these samples feed
// the monotonicity checks.
const (
	MeasurandEnergyActiveImportRegister = "Energy.Active.Import.Register"
	UnitWh                              = "Wh"
)

// SampledValue is one measurement inside a meter value group.
type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Context   string `json:"context,omitempty"`
	Location  string `json:"location,omitempty"`
}

// MeterValueGroup is one timestamped batch of sampled values.
type MeterValueGroup struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

// MeterValuesRequest streams meter readings for a transaction.
type MeterValuesRequest struct {
	TransactionID string            `json:"transactionId"`
	MeterValue    []MeterValueGroup `json:"meterValue"`
}

func (r *MeterValuesRequest) Validate() []string {
	var v []string
	if r.TransactionID == "" {
		v = append(v, "transactionId is required")
	}
	if len(r.MeterValue) == 0 {
		v = append(v, "meterValue must not be empty")
	}
	return v
}

// ConnectorLookupRequest resolves a connector id. Diagnostic action.
type ConnectorLookupRequest struct {
	StationID   string `json:"stationId"`
	ConnectorNo int    `json:"connectorNo"`
	Type        string `json:"type,omitempty"`
}

func (r *ConnectorLookupRequest) Validate() []string {
	var v []string
	if r.StationID == "" {
		v = append(v, "stationId is required")
	}
	if r.ConnectorNo <= 0 {
		v = append(v, "connectorNo must be a positive integer")
	}
	return v
}

// IdTagInfo is the authorization verdict embedded in Authorize and
// transaction responses.
type IdTagInfo struct {
	Status      string `json:"status"`
	ExpiryDate  string `json:"expiryDate,omitempty"`
	ParentIdTag string `json:"parentIdTag,omitempty"`
}
