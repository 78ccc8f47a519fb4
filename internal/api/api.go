// Package api exposes the operator-facing HTTP endpoints: health, live
// connection state and read access to the provisioning data. It never
// talks to stations; that is the websocket side's job.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ocpp-csms/internal/registry"
	"ocpp-csms/internal/service"
)

// APIResponse is the envelope every endpoint replies with.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// API bundles the read-side dependencies of the HTTP endpoints.
type API struct {
	registry     *registry.Registry
	stations     *service.StationService
	connectors   *service.ConnectorService
	transactions *service.TransactionService
	status       *service.StatusService
	logger       zerolog.Logger
}

// New creates the API.
func New(
	reg *registry.Registry,
	stations *service.StationService,
	connectors *service.ConnectorService,
	transactions *service.TransactionService,
	status *service.StatusService,
	logger zerolog.Logger,
) *API {
	return &API{
		registry:     reg,
		stations:     stations,
		connectors:   connectors,
		transactions: transactions,
		status:       status,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.Health).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/connections", a.GetConnections).Methods("GET")
	v1.HandleFunc("/stations", a.GetStations).Methods("GET")
	v1.HandleFunc("/stations/{stationID}", a.GetStation).Methods("GET")
	v1.HandleFunc("/stations/{stationID}/connectors", a.GetStationConnectors).Methods("GET")
	v1.HandleFunc("/stations/{stationID}/connectors/{connectorNo}/status", a.GetConnectorStatus).Methods("GET")
	v1.HandleFunc("/connectors/{connectorID}/transactions", a.GetConnectorTransactions).Methods("GET")
	return router
}

// Health reports server liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	a.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Central server is running",
		Data: map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// GetConnections returns the registry's connection snapshot, queued
// backlog included.
func (a *API) GetConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.registry.Connections()
	a.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Connections retrieved",
		Data: map[string]interface{}{
			"connections": conns,
			"count":       len(conns),
		},
	})
}

// GetStations lists all provisioned stations.
func (a *API) GetStations(w http.ResponseWriter, r *http.Request) {
	stations, err := a.stations.List(r.Context())
	if err != nil {
		a.sendError(w, http.StatusInternalServerError, "Failed to list stations")
		return
	}
	a.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Stations retrieved",
		Data: map[string]interface{}{
			"stations": stations,
			"count":    len(stations),
		},
	})
}

// GetStation returns one station row.
func (a *API) GetStation(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["stationID"]
	station, err := a.stations.GetByID(r.Context(), stationID)
	if err != nil {
		a.sendError(w, http.StatusInternalServerError, "Failed to load station")
		return
	}
	if station == nil {
		a.sendError(w, http.StatusNotFound, "Station not found")
		return
	}
	a.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: station})
}

// GetStationConnectors lists a station's connectors.
func (a *API) GetStationConnectors(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["stationID"]
	connectors, err := a.connectors.ListByStation(r.Context(), stationID)
	if err != nil {
		a.sendError(w, http.StatusInternalServerError, "Failed to list connectors")
		return
	}
	a.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Connectors retrieved",
		Data: map[string]interface{}{
			"connectors": connectors,
			"count":      len(connectors),
		},
	})
}

// GetConnectorStatus returns the cached latest status report for one
// connector number of a station.
func (a *API) GetConnectorStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	connectorNo, err := strconv.Atoi(vars["connectorNo"])
	if err != nil || connectorNo <= 0 {
		a.sendError(w, http.StatusBadRequest, "connectorNo must be a positive integer")
		return
	}
	latest, err := a.status.LatestByConnector(r.Context(), vars["stationID"], connectorNo)
	if err != nil {
		a.sendError(w, http.StatusInternalServerError, "Failed to load connector status")
		return
	}
	if latest == nil {
		a.sendError(w, http.StatusNotFound, "No status recorded for connector")
		return
	}
	a.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: latest})
}

// GetConnectorTransactions lists the transactions recorded on a connector.
func (a *API) GetConnectorTransactions(w http.ResponseWriter, r *http.Request) {
	connectorID := mux.Vars(r)["connectorID"]
	txs, err := a.transactions.ListByConnector(r.Context(), connectorID)
	if err != nil {
		a.sendError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}
	a.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Transactions retrieved",
		Data: map[string]interface{}{
			"transactions": txs,
			"count":        len(txs),
		},
	})
}

func (a *API) sendJSON(w http.ResponseWriter, status int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (a *API) sendError(w http.ResponseWriter, status int, message string) {
	a.sendJSON(w, status, APIResponse{Success: false, Message: message})
}
