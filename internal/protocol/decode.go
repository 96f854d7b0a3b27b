package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"workyard.ai/internal/sim/registry"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://workyard.ai/schemas/"

// Schema names.
const (
	SchemaWorker    = "worker.schema.json"
	SchemaReassign  = "reassign.schema.json"
	SchemaSubscribe = "subscribe.schema.json"
)

var (
	ErrInvalid = errors.New("invalid message")
	ErrVersion = errors.New("unsupported protocol_version")
)

var (
	schemaOnce sync.Once
	schemaSet  map[string]*jsonschema.Schema
	schemaErr  error
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	names := []string{SchemaWorker, SchemaReassign, SchemaSubscribe}
	for _, name := range names {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("%s: %w", name, err)
			return
		}
	}
	schemaSet = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			schemaErr = fmt.Errorf("%s: %w", name, err)
			return
		}
		schemaSet[name] = s
	}
}

// Validate checks raw against the named embedded schema.
func Validate(name string, raw []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemaSet[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func checkVersion(v string) error {
	if v != Version {
		return fmt.Errorf("%w: %q", ErrVersion, v)
	}
	return nil
}

// DecodeWorker validates a WORKER message and returns its worker. Status
// validity and progress clamping are left to registry.Upsert.
func DecodeWorker(raw []byte) (registry.Worker, error) {
	if err := Validate(SchemaWorker, raw); err != nil {
		return registry.Worker{}, err
	}
	var m WorkerMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return registry.Worker{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := checkVersion(m.ProtocolVersion); err != nil {
		return registry.Worker{}, err
	}
	return m.Worker, nil
}

func DecodeReassign(raw []byte) (ReassignMsg, error) {
	if err := Validate(SchemaReassign, raw); err != nil {
		return ReassignMsg{}, err
	}
	var m ReassignMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return ReassignMsg{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return m, checkVersion(m.ProtocolVersion)
}

func DecodeSubscribe(raw []byte) (SubscribeMsg, error) {
	if err := Validate(SchemaSubscribe, raw); err != nil {
		return SubscribeMsg{}, err
	}
	var m SubscribeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return SubscribeMsg{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return m, checkVersion(m.ProtocolVersion)
}

// Code maps a decode error to its wire error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrVersion):
		return ErrProtoVersion
	case errors.Is(err, ErrInvalid):
		return ErrProtoBadRequest
	case errors.Is(err, registry.ErrInvalidStatus):
		return ErrInvalidStatus
	case errors.Is(err, registry.ErrUnknownWorker):
		return ErrUnknownWorker
	}
	return ErrInternal
}
