package registry

import (
	"time"

	"workyard.ai/internal/sim/geom"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusMoving     Status = "moving"
	StatusWorking    Status = "working"
	StatusBlocked    Status = "blocked"
	StatusComplete   Status = "complete"
	StatusTerminated Status = "terminated"
	StatusHold       Status = "hold"
)

// AllStatuses lists every status in dispatch order.
var AllStatuses = []Status{
	StatusBlocked,
	StatusHold,
	StatusIdle,
	StatusMoving,
	StatusWorking,
	StatusComplete,
	StatusTerminated,
}

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusMoving, StatusWorking, StatusBlocked, StatusComplete, StatusTerminated, StatusHold:
		return true
	}
	return false
}

// Finished reports whether s is complete or terminated.
func (s Status) Finished() bool {
	return s == StatusComplete || s == StatusTerminated
}

type Worker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind,omitempty"`
	Status       Status    `json:"status"`
	Task         string    `json:"task,omitempty"`
	TargetRegion string    `json:"target_region,omitempty"`
	Pos          geom.Vec2 `json:"pos"`
	SpawnedAt    time.Time `json:"spawned_at"`
	Tokens       int64     `json:"tokens"`
	Progress     float64   `json:"progress"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event types written by the simulation.
const (
	EventSpawn     = "spawn"
	EventAssign    = "assign"
	EventArrive    = "arrive"
	EventFail      = "fail"
	EventRecover   = "recover"
	EventComplete  = "complete"
	EventTerminate = "terminate"
	EventDespawn   = "despawn"
	EventReassign  = "reassign"
)

type GameEvent struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	WorkerID string    `json:"worker_id,omitempty"`
	Detail   string    `json:"detail"`
}

type Stats struct {
	Completed    int64 `json:"completed"`
	FilesTouched int64 `json:"files_touched"`
	Failed       int64 `json:"failed"`
	TotalTokens  int64 `json:"total_tokens"`
}

func (s Stats) add(d Stats) Stats {
	s.Completed += d.Completed
	s.FilesTouched += d.FilesTouched
	s.Failed += d.Failed
	s.TotalTokens += d.TotalTokens
	return s
}

type ChangeKind int

const (
	ChangeWorker ChangeKind = iota + 1
	ChangeRemove
	ChangeEvent
	ChangeStats
	ChangeStatusLine
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeWorker:
		return "worker"
	case ChangeRemove:
		return "remove"
	case ChangeEvent:
		return "event"
	case ChangeStats:
		return "stats"
	case ChangeStatusLine:
		return "status_line"
	}
	return "unknown"
}

// Change describes one registry mutation. Only the field matching Kind is set.
type Change struct {
	Kind     ChangeKind
	Worker   Worker
	WorkerID string
	Event    GameEvent
	Stats    Stats
	Line     string
}
