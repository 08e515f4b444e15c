package serde

import (
	"encoding/json"
	"fmt"
)

// NewJSON returns a new serde instance where some data (`T`) gets serialized to
// and deserialized from JSON as byte-array.
//
// The factory is used to allocate the deserialization target, so that
// pointer types get a fresh instance on every call.
func NewJSON[T any](factory func() T) Fused[T, []byte] {
	serializer := func(t T) ([]byte, error) {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("serde.JSON: failed to serialize data, %w", err)
		}

		return data, nil
	}

	deserializer := func(data []byte) (T, error) {
		model := factory()

		if err := json.Unmarshal(data, &model); err != nil {
			var zeroValue T
			return zeroValue, fmt.Errorf("serde.JSON: failed to deserialize data, %w", err)
		}

		return model, nil
	}

	return Fuse[T, []byte](AsSerializerFunc(serializer), AsDeserializerFunc(deserializer))
}
