package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire form of every frame exchanged between agent and collector.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Agent → Collector message types.
const (
	TypeAuth           = "auth"
	TypeHeartbeat      = "heartbeat"
	TypeCommandResult  = "command_result"
	TypeErrorReport    = "error_report"
	TypePackageReport  = "package_report"
	TypeIdentityReport = "identity_report"
)

// Collector → Agent message types.
const (
	TypeOnline  = "online"
	TypeOffline = "offline"
	TypeCommand = "command"
)

// ErrMissingType is returned by Decode for envelopes without a type.
var ErrMissingType = errors.New("missing 'type' field")

// Message is a decoded envelope. The set of implementations is closed:
// one struct per known type plus Unknown.
type Message interface {
	MessageType() string
	isMessage()
}

// Auth is the first frame an agent sends after the transport opens.
type Auth struct {
	AppID   string `json:"appId"`
	AgentID string `json:"agentId"`
	Token   string `json:"token"`
	Version string `json:"version,omitempty"`
}

// Heartbeat is the periodic liveness pulse. SentAt is unix milliseconds.
type Heartbeat struct {
	SentAt int64 `json:"sentAt"`
}

// Online acknowledges a successful authentication.
type Online struct {
	AppID       string `json:"appId"`
	AgentID     string `json:"agentId"`
	ConnectedAt int64  `json:"connectedAt"`
}

// Offline tells the agent why the collector is dropping it.
type Offline struct {
	Reason string `json:"reason"`
}

// Expectation is optional metadata the issuer attaches to a command.
// The agent carries it but never acts on it.
type Expectation struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	Override bool   `json:"override"`
}

// CommandRequest asks the agent to run a command.
type CommandRequest struct {
	TraceID string       `json:"traceId"`
	Command string       `json:"command"`
	Args    []string     `json:"args"`
	Expect  *Expectation `json:"expect,omitempty"`
}

// CommandOutput is the captured output of a command run.
type CommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// CommandResult answers exactly one CommandRequest, matched by TraceID.
type CommandResult struct {
	TraceID string        `json:"traceId"`
	OK      bool          `json:"ok"`
	Message string        `json:"message"`
	Data    CommandOutput `json:"data"`
}

// ErrorReport carries error lines found in a host log file or raised by
// the host application. ReportedAt is unix milliseconds.
type ErrorReport struct {
	File       string   `json:"file,omitempty"`
	Source     string   `json:"source"`
	Lines      []string `json:"lines"`
	ReportedAt int64    `json:"reportedAt"`
}

// PackageReport carries the content of a package manifest.
type PackageReport struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Lockfile string `json:"lockfile,omitempty"`
}

// IdentityReport describes the host the agent runs on.
type IdentityReport struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	PID      int      `json:"pid"`
	OS       string   `json:"os"`
	Arch     string   `json:"arch"`
	Version  string   `json:"version"`
}

// Unknown holds an envelope whose type this build does not understand.
type Unknown struct {
	Type string
	Data json.RawMessage
}

func (Auth) MessageType() string           { return TypeAuth }
func (Heartbeat) MessageType() string      { return TypeHeartbeat }
func (Online) MessageType() string         { return TypeOnline }
func (Offline) MessageType() string        { return TypeOffline }
func (CommandRequest) MessageType() string { return TypeCommand }
func (CommandResult) MessageType() string  { return TypeCommandResult }
func (ErrorReport) MessageType() string    { return TypeErrorReport }
func (PackageReport) MessageType() string  { return TypePackageReport }
func (IdentityReport) MessageType() string { return TypeIdentityReport }
func (u Unknown) MessageType() string      { return u.Type }

func (Auth) isMessage()           {}
func (Heartbeat) isMessage()      {}
func (Online) isMessage()         {}
func (Offline) isMessage()        {}
func (CommandRequest) isMessage() {}
func (CommandResult) isMessage()  {}
func (ErrorReport) isMessage()    {}
func (PackageReport) isMessage()  {}
func (IdentityReport) isMessage() {}
func (Unknown) isMessage()        {}

// Encode wraps a message in an envelope and marshals it into a frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}

	var data json.RawMessage
	if u, ok := msg.(Unknown); ok {
		data = u.Data
	} else {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", msg.MessageType(), err)
		}
		data = raw
	}

	frame, err := json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame, nil
}

// Decode parses a frame into its typed message. Unknown types decode to
// Unknown without error; malformed frames return an error.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case TypeAuth:
		return decodeAs[Auth](env)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](env)
	case TypeOnline:
		return decodeAs[Online](env)
	case TypeOffline:
		return decodeAs[Offline](env)
	case TypeCommand:
		return decodeAs[CommandRequest](env)
	case TypeCommandResult:
		return decodeAs[CommandResult](env)
	case TypeErrorReport:
		return decodeAs[ErrorReport](env)
	case TypePackageReport:
		return decodeAs[PackageReport](env)
	case TypeIdentityReport:
		return decodeAs[IdentityReport](env)
	default:
		return Unknown{Type: env.Type, Data: env.Data}, nil
	}
}

func decodeAs[T Message](env Envelope) (Message, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("invalid data for %s: %w", env.Type, err)
	}
	return v, nil
}
