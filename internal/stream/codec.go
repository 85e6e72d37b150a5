package stream

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeFrame converts a frame to the protobuf Struct sent on the wire. The
// field names match the frame's JSON encoding.
func EncodeFrame(frame *mocap.Frame) (*structpb.Struct, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return structpb.NewStruct(m)
}

// DecodeFrame converts a received Struct back into a validated frame.
func DecodeFrame(s *structpb.Struct) (*mocap.Frame, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return mocap.DecodeFrame(data)
}
