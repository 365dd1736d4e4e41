// Package params serializes the payloads exchanged between the injector
// and the bootstrap module inside the target: the injector parameter block
// placed in remote memory, and the plugin load/unload/message payloads
// carried inside its custom-argument slot.
//
// The codec is pure: it owns no ambient state and the same functions run in
// both processes. The wire form is JSON, private to the two sides.
package params

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a malformed payload and which field was missing or
// invalid.
type DecodeError struct {
	Kind  string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: missing required field %q", e.Kind, e.Field)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Injector is the parameter block handed to the bootstrap entry points
// through remote memory.
type Injector struct {
	SharedMemoryName string `json:"shared_memory_name"`
	SharedMemorySize uint64 `json:"shared_memory_size"`
	Pid              uint32 `json:"pid"`
	WorkingDirectory string `json:"working_directory"`
	CustomArgument   string `json:"custom_argument"`
}

// Encode renders the parameter block to its wire form.
func (p Injector) Encode() string {
	out, _ := json.Marshal(p)
	return string(out)
}

// DecodeInjector parses a parameter block, validating required fields.
func DecodeInjector(data string) (Injector, error) {
	var p Injector
	fields, err := objectFields("injector parameters", data)
	if err != nil {
		return p, err
	}
	for _, field := range []string{"shared_memory_name", "shared_memory_size", "pid", "working_directory", "custom_argument"} {
		if _, ok := fields[field]; !ok {
			return p, &DecodeError{Kind: "injector parameters", Field: field}
		}
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, &DecodeError{Kind: "injector parameters", Err: err}
	}
	return p, nil
}

// LoadPlugin describes one plugin to load.
type LoadPlugin struct {
	Identifier string `json:"identifier"`
	Path       string `json:"path"`
	Arguments  string `json:"arguments"`
	ForceLoad  bool   `json:"force_load"`
}

// Load is the ordered plugin-load list.
type Load struct {
	Plugins []LoadPlugin `json:"plugins"`
}

func (p Load) Encode() string {
	out, _ := json.Marshal(p)
	return string(out)
}

// DecodeLoad parses a plugin-load payload.
func DecodeLoad(data string) (Load, error) {
	var p Load
	if _, err := objectFields("plugin load", data); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, &DecodeError{Kind: "plugin load", Err: err}
	}
	for i, plugin := range p.Plugins {
		if plugin.Identifier == "" {
			return p, &DecodeError{Kind: "plugin load", Field: fmt.Sprintf("plugins[%d].identifier", i)}
		}
		if plugin.Path == "" {
			return p, &DecodeError{Kind: "plugin load", Field: fmt.Sprintf("plugins[%d].path", i)}
		}
	}
	return p, nil
}

// Unload is the plugin-unload list.
type Unload struct {
	UnloadAll bool     `json:"unload_all"`
	Plugins   []string `json:"plugins"`
}

func (p Unload) Encode() string {
	out, _ := json.Marshal(p)
	return string(out)
}

// DecodeUnload parses a plugin-unload payload.
func DecodeUnload(data string) (Unload, error) {
	var p Unload
	if _, err := objectFields("plugin unload", data); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, &DecodeError{Kind: "plugin unload", Err: err}
	}
	return p, nil
}

// Message is a payload addressed to one loaded plugin.
type Message struct {
	Identifier string `json:"plugin_identifier"`
	Message    string `json:"message"`
}

func (p Message) Encode() string {
	out, _ := json.Marshal(p)
	return string(out)
}

// DecodeMessage parses a plugin-message payload.
func DecodeMessage(data string) (Message, error) {
	var p Message
	fields, err := objectFields("plugin message", data)
	if err != nil {
		return p, err
	}
	if _, ok := fields["plugin_identifier"]; !ok {
		return p, &DecodeError{Kind: "plugin message", Field: "plugin_identifier"}
	}
	if _, ok := fields["message"]; !ok {
		return p, &DecodeError{Kind: "plugin message", Field: "message"}
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, &DecodeError{Kind: "plugin message", Err: err}
	}
	return p, nil
}

func objectFields(kind, data string) (map[string]json.RawMessage, error) {
	if data == "" {
		return nil, &DecodeError{Kind: kind, Err: fmt.Errorf("empty payload")}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, &DecodeError{Kind: kind, Err: err}
	}
	return fields, nil
}
