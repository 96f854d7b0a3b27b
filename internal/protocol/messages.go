package protocol

import (
	"workyard.ai/internal/sim/catalogs"
	"workyard.ai/internal/sim/registry"
)

// SUBSCRIBE (client -> server). First message on the observer connection.
// History is how many recent events to replay before the live stream.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	History         int    `json:"history,omitempty"`
}

// WORKER (both directions). Server -> client on every worker change; client ->
// server upserts an externally managed worker.
type WorkerMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Worker          registry.Worker `json:"worker"`
}

// REMOVE (server -> client)
type RemoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorkerID        string `json:"worker_id"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Event           registry.GameEvent `json:"event"`
}

// STATS (server -> client)
type StatsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Stats           registry.Stats `json:"stats"`
}

// STATUS (server -> client). One heartbeat line.
type StatusMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Line            string `json:"line"`
}

// REASSIGN (client -> server)
type ReassignMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id,omitempty"`
	WorkerIDs       []string `json:"worker_ids"`
	Region          string   `json:"region"`
}

// REASSIGN_RESULT (server -> client)
type ReassignResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Moved           int    `json:"moved"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string               `json:"protocol_version"`
	WorldID         string               `json:"world_id"`
	Now             int64                `json:"now_ms"`
	World           WorldParams          `json:"world"`
	Regions         []catalogs.Region    `json:"regions"`
	Workers         []registry.Worker    `json:"workers"`
	Stats           registry.Stats       `json:"stats"`
	StatusLines     []string             `json:"status_lines"`
	Events          []registry.GameEvent `json:"events,omitempty"`
	CatalogDigest   string               `json:"catalog_digest"`
}

type WorldParams struct {
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	SpawnRegion   string  `json:"spawn_region"`
	PopulationCap int     `json:"population_cap"`
	TickMS        int64   `json:"tick_ms"`
	Seed          int64   `json:"seed"`
}
