package serialization

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// JSONToEnvelope converts a decoded JSON payload into a structpb.Struct so it
// can travel as a genuine protobuf message through Marshal/Unmarshal. Used
// for the webhook-inbound and chat-relay-processing classes, whose payloads
// originate as platform event bodies rather than handler-authored structs.
func JSONToEnvelope(jsonData map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(jsonData)
	if err != nil {
		return nil, fmt.Errorf("convert json to envelope: %w", err)
	}
	return s, nil
}

// EnvelopeToJSON converts a structpb.Struct back into a plain Go map, the
// shape handlers and tests expect after UnmarshalPayload.
func EnvelopeToJSON(s *structpb.Struct) map[string]interface{} {
	if s == nil {
		return nil
	}
	return s.AsMap()
}
