package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// jsonMessage is the lobby link representation. Raw args travel as strings
// with the RawPrefix kept in front.
type jsonMessage struct {
	Command string            `json:"command"`
	Target  string            `json:"target,omitempty"`
	Args    []json.RawMessage `json:"args"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	out := jsonMessage{Command: m.Command, Target: m.Target, Args: make([]json.RawMessage, 0, len(m.Args))}
	for i, arg := range m.Args {
		if r, ok := arg.(Raw); ok {
			arg = string(RawPrefix) + string(r)
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s argument %d: %w", m.Command, i, err)
		}
		out.Args = append(out.Args, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Integral numbers become int32,
// everything else numeric becomes float32.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in jsonMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	args := make([]any, 0, len(in.Args))
	for i, raw := range in.Args {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("failed to unmarshal %s argument %d: %w", in.Command, i, err)
		}
		arg, err := fromJSONValue(v)
		if err != nil {
			return fmt.Errorf("%s argument %d: %w", in.Command, i, err)
		}
		args = append(args, arg)
	}
	m.Command = in.Command
	m.Target = in.Target
	m.Args = args
	return nil
}

func fromJSONValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		if len(t) > 0 && t[0] == RawPrefix {
			return Raw(t[1:]), nil
		}
		return t, nil
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt32 && t <= math.MaxInt32 {
			return int32(t), nil
		}
		return float32(t), nil
	case bool:
		if t {
			return int32(1), nil
		}
		return int32(0), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedArg, v)
	}
}
