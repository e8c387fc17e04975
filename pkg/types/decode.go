package types

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RequiredSections must be present in any payload accepted as a snapshot.
var RequiredSections = []string{"tokens", "models"}

var (
	// ErrMalformedPayload means the payload is not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingSection means a required section is absent or null.
	ErrMissingSection = errors.New("missing required section")
)

// DecodeSnapshot converts a backend payload into a normalized snapshot.
//
// raw may be JSON bytes, a JSON string, or an already-decoded value such as
// map[string]any. MCP text-content envelopes ({"content":[{"type":"text",
// "text":"..."}]}) are unwrapped first.
func DecodeSnapshot(raw any) (*DashboardSnapshot, error) {
	data, err := toJSON(raw)
	if err != nil {
		return nil, err
	}
	data, err = unwrapContent(data)
	if err != nil {
		return nil, err
	}

	var sections map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if sections == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformedPayload)
	}
	for _, name := range RequiredSections {
		v, ok := sections[name]
		if !ok || isNull(v) {
			return nil, fmt.Errorf("%w: %s", ErrMissingSection, name)
		}
	}

	snap := &DashboardSnapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	snap.Normalize()
	return snap, nil
}

// EncodeSnapshot returns the JSON encoding of s with map keys sorted.
func EncodeSnapshot(s *DashboardSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

// Fingerprint hashes the data sections of s. Two snapshots with the same data
// but different GeneratedAt, Source or IsLoading share a fingerprint.
func Fingerprint(s *DashboardSnapshot) (uint64, error) {
	if s == nil {
		return 0, nil
	}
	body := struct {
		Tokens   TokenUsage         `json:"tokens"`
		Models   ModelCatalog       `json:"models"`
		Settings map[string]any     `json:"settings"`
		Costs    CostSummary        `json:"costs"`
		Usage    UsageSummary       `json:"usage"`
		Metrics  map[string]float64 `json:"metrics"`
	}{s.Tokens, s.Models, s.Settings, s.Costs, s.Usage, s.Metrics}

	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	return xxh3.Hash(data), nil
}

func toJSON(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	case []byte:
		return v, nil
	case jsoniter.RawMessage:
		return []byte(v), nil
	case string:
		return []byte(v), nil
	case *DashboardSnapshot:
		return json.Marshal(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return data, nil
	}
}

func unwrapContent(data []byte) ([]byte, error) {
	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Content) == 0 {
		// Not an envelope; the caller reports malformed payloads.
		return data, nil
	}
	if envelope.IsError {
		return nil, fmt.Errorf("%w: tool reported an error: %s", ErrMalformedPayload, envelope.Content[0].Text)
	}
	for _, c := range envelope.Content {
		if c.Type == "text" && c.Text != "" {
			return []byte(c.Text), nil
		}
	}
	return nil, fmt.Errorf("%w: no text content", ErrMalformedPayload)
}

func isNull(v []byte) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
