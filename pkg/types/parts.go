package types

import "encoding/json"

// Part represents a component of a message.
type Part interface {
	PartType() string
	PartID() string
}

// TextPart represents a text content part.
type TextPart struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (p *TextPart) PartType() string { return "text" }
func (p *TextPart) PartID() string   { return p.ID }

// ToolState describes the lifecycle of a tool call.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// ToolPart represents a tool call and its result. Output and metadata are the
// only fields mutated in place after creation.
type ToolPart struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // always "tool"
	ToolCallID string         `json:"toolCallID"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input,omitempty"`
	State      ToolState      `json:"state"`
	Output     *string        `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (p *ToolPart) PartType() string { return "tool" }
func (p *ToolPart) PartID() string   { return p.ID }

// ImagePart represents inline image content.
type ImagePart struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // always "image"
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

func (p *ImagePart) PartType() string { return "image" }
func (p *ImagePart) PartID() string   { return p.ID }

// UnmarshalPart unmarshals a JSON part into the appropriate concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "image":
		var p ImagePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		// Unknown part kinds degrade to text so history stays readable.
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}

// UnmarshalJSON decodes the polymorphic parts list.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Parts []json.RawMessage `json:"parts"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Parts = make([]Part, 0, len(aux.Parts))
	for _, raw := range aux.Parts {
		part, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}
