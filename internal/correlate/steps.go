package correlate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Span is the time interval of one job step.
type Span struct {
	Start string `json:"startTime"`
	End   string `json:"endTime"`
}

// StepTimestamps maps step names to their intervals. Insertion order is
// preserved so that correlation output is deterministic.
type StepTimestamps struct {
	order []string
	spans map[string]Span
}

// NewStepTimestamps returns an empty mapping.
func NewStepTimestamps() *StepTimestamps {
	return &StepTimestamps{spans: make(map[string]Span)}
}

// Set records the interval for a step. Setting an existing name replaces its
// interval but keeps its original position.
func (s *StepTimestamps) Set(name string, span Span) {
	if s.spans == nil {
		s.spans = make(map[string]Span)
	}
	if _, ok := s.spans[name]; !ok {
		s.order = append(s.order, name)
	}
	s.spans[name] = span
}

// Get returns the interval recorded for name.
func (s *StepTimestamps) Get(name string) (Span, bool) {
	if s == nil {
		return Span{}, false
	}
	span, ok := s.spans[name]
	return span, ok
}

// Names returns step names in insertion order.
func (s *StepTimestamps) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of steps.
func (s *StepTimestamps) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// MarshalJSON encodes the mapping as a JSON object in insertion order.
func (s *StepTimestamps) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.spans[name])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes {"name": {"startTime": ..., "endTime": ...}} keeping
// the document order of the keys.
func (s *StepTimestamps) UnmarshalJSON(data []byte) error {
	*s = StepTimestamps{spans: make(map[string]Span)}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("step timestamps: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("step timestamps: expected step name, got %v", tok)
		}
		var span Span
		if err := dec.Decode(&span); err != nil {
			return fmt.Errorf("step timestamps: step %q: %w", name, err)
		}
		s.Set(name, span)
	}

	_, err = dec.Token()
	return err
}
