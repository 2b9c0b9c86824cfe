// Package protocol implements the Request Parser (P1), Dispatcher (P2),
// Handlers (P3), Resume Projection (P4), and the audit wrapping (P5) that
// ties every request to exactly one command_audit row.
package protocol

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

var ridPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,256}$`)

// Request is a parsed inbound line: the command name, optional request id
// and dry-run flag, and the free-form args consumed by the handler.
type Request struct {
	Cmd  string
	Rid  string
	Dry  bool
	Args map[string]json.RawMessage
}

// rawRequest mirrors the envelope-level wire fields only; "cmd", "rid",
// "dry" are pulled through here, everything else — whether nested under
// "args" or spread at the top level per spec §6's `{ cmd, rid?, dry?,
// ...args }` grammar — is collected separately in the generic pass below.
type rawRequest struct {
	Cmd *string `json:"cmd"`
	Rid *string `json:"rid"`
	Dry *bool   `json:"dry"`
}

// reservedTopLevelKeys are consumed as envelope fields, never folded into args.
var reservedTopLevelKeys = map[string]bool{"cmd": true, "rid": true, "dry": true}

// Parse decodes one inbound line into a Request. Command arguments may be
// nested under "args" or spread directly at the top level (both forms
// appear across spec §8's literal scenarios); either way they land in
// req.Args. A malformed rid shape is rejected before any handler runs.
func Parse(line []byte) (Request, *codes.Error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Request{}, codes.New(codes.Serialization, "empty request line", "send a single-line JSON object with at least \"cmd\"")
	}
	return parseFields(line)
}

// parseFields decodes one JSON object — a top-level request line or one
// "batch" sub-op — into a Request, folding every non-reserved key (and any
// nested "args" object) into Args. Shared so batch sub-ops accept the same
// flat-or-nested argument shapes the top-level parser does.
func parseFields(raw []byte) (Request, *codes.Error) {
	var generic map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&generic); err != nil {
		return Request{}, codes.Wrap(codes.Serialization, "malformed JSON request", "send a single valid JSON object per line", err)
	}

	var rr rawRequest
	if err := json.Unmarshal(raw, &rr); err != nil {
		return Request{}, codes.Wrap(codes.Serialization, "malformed JSON request", "send a single valid JSON object per line", err)
	}

	if rr.Cmd == nil || *rr.Cmd == "" {
		return Request{}, codes.New(codes.Serialization, "\"cmd\" is required and must be non-empty", "include a \"cmd\" field naming the command")
	}

	args := map[string]json.RawMessage{}
	for k, v := range generic {
		if reservedTopLevelKeys[k] {
			continue
		}
		if k == "args" {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(v, &nested); err != nil {
				return Request{}, codes.New(codes.Serialization, "\"args\" must be an object", "send args as a JSON object, or spread fields at the top level")
			}
			for nk, nv := range nested {
				args[nk] = nv
			}
			continue
		}
		args[k] = v
	}

	req := Request{Cmd: *rr.Cmd, Args: args}
	if rr.Rid != nil {
		if !ridPattern.MatchString(*rr.Rid) {
			return Request{}, codes.New(codes.Serialization, "invalid \"rid\" shape", "rid must match ^[A-Za-z0-9-]{1,256}$")
		}
		req.Rid = *rr.Rid
	}
	if rr.Dry != nil {
		req.Dry = *rr.Dry
	}
	return req, nil
}

// --- typed per-command argument extraction -------------------------------

// ParseErrorKind is the closed set from spec §4.9.
type ParseErrorKind int

const (
	MissingField ParseErrorKind = iota
	InvalidType
	InvalidValue
	Custom
)

func parseErr(kind ParseErrorKind, field, detail string) *codes.Error {
	fix := "fix the \"" + field + "\" argument and resubmit"
	return codes.New(codes.Serialization, detail, fix).WithCtx(map[string]any{"field": field, "parse_error": kindName(kind)})
}

func kindName(k ParseErrorKind) string {
	switch k {
	case MissingField:
		return "MissingField"
	case InvalidType:
		return "InvalidType"
	case InvalidValue:
		return "InvalidValue"
	default:
		return "Custom"
	}
}

// IntArg extracts a required integer argument named field.
func (r Request) IntArg(field string) (int, *codes.Error) {
	raw, ok := r.Args[field]
	if !ok {
		return 0, parseErr(MissingField, field, "missing required field \""+field+"\"")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, parseErr(InvalidType, field, "field \""+field+"\" must be an integer")
	}
	return n, nil
}

// OptIntArg extracts an optional integer argument, returning ok=false if absent.
func (r Request) OptIntArg(field string) (int, bool, *codes.Error) {
	raw, ok := r.Args[field]
	if !ok {
		return 0, false, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, parseErr(InvalidType, field, "field \""+field+"\" must be an integer")
	}
	return n, true, nil
}

// StringArg extracts a required string argument.
func (r Request) StringArg(field string) (string, *codes.Error) {
	raw, ok := r.Args[field]
	if !ok {
		return "", parseErr(MissingField, field, "missing required field \""+field+"\"")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", parseErr(InvalidType, field, "field \""+field+"\" must be a string")
	}
	return s, nil
}

// OptStringArg extracts an optional string argument.
func (r Request) OptStringArg(field string) (string, bool, *codes.Error) {
	raw, ok := r.Args[field]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, parseErr(InvalidType, field, "field \""+field+"\" must be a string")
	}
	return s, true, nil
}

// OptBoolArg extracts an optional boolean argument.
func (r Request) OptBoolArg(field string) (bool, bool, *codes.Error) {
	raw, ok := r.Args[field]
	if !ok {
		return false, false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false, parseErr(InvalidType, field, "field \""+field+"\" must be a boolean")
	}
	return b, true, nil
}

// ValidateAgentID enforces agent_id/worker id >= 1 uniformly.
func ValidateAgentID(field string, v int) *codes.Error {
	if v < 1 {
		return parseErr(InvalidValue, field, "field \""+field+"\" must be a positive integer (>= 1)")
	}
	return nil
}

// ValidateBeadID enforces bead_id length <= 255 UTF-8 code units.
func ValidateBeadID(field, v string) *codes.Error {
	if v == "" {
		return parseErr(MissingField, field, "missing required field \""+field+"\"")
	}
	if len(v) > 255 {
		return parseErr(InvalidValue, field, "field \""+field+"\" must be at most 255 bytes of UTF-8")
	}
	return nil
}

// ValidateLimit enforces the shared history/monitor/batch page-size cap:
// values above 10000 are rejected, never clamped.
func ValidateLimit(field string, v int) *codes.Error {
	if v < 0 {
		return parseErr(InvalidValue, field, "field \""+field+"\" must be non-negative")
	}
	if v > 10000 {
		return parseErr(InvalidValue, field, "field \""+field+"\" must not exceed 10000")
	}
	return nil
}

// ValidateSeedAgents enforces seed_agents >= 0.
func ValidateSeedAgents(field string, v int) *codes.Error {
	if v < 0 {
		return parseErr(InvalidValue, field, "field \""+field+"\" must be non-negative")
	}
	return nil
}
