package daemon

import (
	"encoding/json"

	"github.com/cochaviz/hyper/internal/instance"
)

// Command names a daemon operation.
type Command string

const (
	CommandCreate        Command = "create"
	CommandStart         Command = "start"
	CommandStop          Command = "stop"
	CommandStatus        Command = "status"
	CommandList          Command = "list"
	CommandInspect       Command = "inspect"
	CommandSetBootMedium Command = "set-boot-medium"
)

// IPCRequest is the single JSON document a client writes per connection.
type IPCRequest struct {
	ID      string          `json:"id,omitempty"`
	Command Command         `json:"command"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse answers an IPCRequest. Code carries the error kind so clients
// can match it with errors.Is.
type IPCResponse struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// CreateRequest is the payload of CommandCreate.
type CreateRequest struct {
	Config instance.Config `json:"config"`
}

// BootMediumRequest is the payload of CommandSetBootMedium.
type BootMediumRequest struct {
	Path string `json:"path"`
}

// StatusResponse is the data of CommandStatus.
type StatusResponse struct {
	Name  string         `json:"name"`
	State instance.State `json:"state"`
}
