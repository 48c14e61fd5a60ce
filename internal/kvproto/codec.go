package kvproto

import (
	"encoding/json"
	"fmt"
)

// Marshal serialises a chunk using JSON for simplicity and debugging
// friendliness. Persistent stores keep their changelog in this format.
func (c BackfillChunk) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalChunk deserialises chunk bytes produced by Marshal.
func UnmarshalChunk(data []byte) (BackfillChunk, error) {
	if len(data) == 0 {
		return BackfillChunk{}, fmt.Errorf("kvproto: empty chunk payload")
	}
	var c BackfillChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return BackfillChunk{}, err
	}
	return c, nil
}
