package models

import (
	"encoding/json"
	"fmt"
)

// DecodeObservations accepts a single observation object or an array of them
func DecodeObservations(value []byte) ([]*Observation, error) {
	switch jsonStart(value) {
	case '[':
		var list []*Observation
		if err := json.Unmarshal(value, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var obs Observation
		if err := json.Unmarshal(value, &obs); err != nil {
			return nil, err
		}
		return []*Observation{&obs}, nil
	default:
		return nil, fmt.Errorf("expected an observation object or array")
	}
}

func jsonStart(b []byte) byte {
	for _, ch := range b {
		switch ch {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return ch
		}
	}
	return 0
}
