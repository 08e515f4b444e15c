package serde_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/type/date"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/get-eventually/go-subscriptions/internal"
	"github.com/get-eventually/go-subscriptions/serde"
)

type runMode uint8

const (
	runModeFromBeginning runMode = iota + 1
	runModeFromNow
)

type checkpoint struct {
	Mode     runMode
	Position uint64
	Group    string
}

type checkpointJSON struct {
	Mode     string `json:"mode"`
	Position uint64 `json:"position"`
	Group    string `json:"group"`
}

func serializeCheckpoint(c checkpoint) (*checkpointJSON, error) {
	model := &checkpointJSON{Position: c.Position, Group: c.Group}

	switch c.Mode {
	case runModeFromBeginning:
		model.Mode = "from_beginning"
	case runModeFromNow:
		model.Mode = "from_now"
	default:
		return nil, fmt.Errorf("unexpected run mode, %v", c.Mode)
	}

	return model, nil
}

func deserializeCheckpoint(model *checkpointJSON) (checkpoint, error) {
	c := checkpoint{Position: model.Position, Group: model.Group}

	switch model.Mode {
	case "from_beginning":
		c.Mode = runModeFromBeginning
	case "from_now":
		c.Mode = runModeFromNow
	default:
		return checkpoint{}, fmt.Errorf("unexpected run mode, %v", model.Mode)
	}

	return c, nil
}

var checkpointSerde = serde.Fuse[checkpoint, *checkpointJSON](
	serde.AsSerializerFunc(serializeCheckpoint),
	serde.AsDeserializerFunc(deserializeCheckpoint),
)

func TestJSON(t *testing.T) {
	jsonSerde := serde.NewJSON(func() *checkpointJSON { return new(checkpointJSON) })

	t.Run("it works with valid data", func(t *testing.T) {
		model := &checkpointJSON{Mode: "from_now", Position: 42, Group: "projectors"}

		bytes, err := json.Marshal(model)
		require.NoError(t, err)

		serialized, err := jsonSerde.Serialize(model)
		assert.NoError(t, err)
		assert.Equal(t, bytes, serialized)

		deserialized, err := jsonSerde.Deserialize(serialized)
		assert.NoError(t, err)
		assert.Equal(t, model, deserialized)
	})

	t.Run("it fails deserialization of invalid json data", func(t *testing.T) {
		deserialized, err := jsonSerde.Deserialize([]byte("{"))
		assert.Error(t, err)
		assert.Zero(t, deserialized)
	})
}

func TestChained(t *testing.T) {
	chained := serde.Chain(
		checkpointSerde,
		serde.NewJSON(func() *checkpointJSON { return new(checkpointJSON) }),
	)

	data := checkpoint{Mode: runModeFromBeginning, Position: 7, Group: "default"}
	expected := []byte(`{"mode":"from_beginning","position":7,"group":"default"}`)

	bytes, err := chained.Serialize(data)
	assert.NoError(t, err)
	assert.Equal(t, expected, bytes)

	deserialized, err := chained.Deserialize(bytes)
	assert.NoError(t, err)
	assert.Equal(t, data, deserialized)

	_, err = chained.Serialize(checkpoint{})
	assert.Error(t, err)

	_, err = chained.Deserialize([]byte(`{"mode":"sometimes"}`))
	assert.Error(t, err)
}

func TestProto(t *testing.T) {
	factory := func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

	for name, s := range map[string]serde.Fused[*wrapperspb.StringValue, []byte]{
		"binary": serde.NewProto(factory),
		"json":   serde.NewProtoJSON(factory),
	} {
		t.Run(name, func(t *testing.T) {
			data, err := s.Serialize(wrapperspb.String("profile_1"))
			require.NoError(t, err)

			value, err := s.Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, "profile_1", value.GetValue())
		})
	}

	_, err := serde.NewProtoJSON(factory).Deserialize([]byte("{"))
	assert.Error(t, err)

	t.Run("well-known google types", func(t *testing.T) {
		birthDate := serde.NewProtoJSON(func() *date.Date { return new(date.Date) })

		data, err := birthDate.Serialize(&date.Date{Year: 1970, Month: 1, Day: 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"year":1970,"month":1,"day":1}`, string(data))

		value, err := birthDate.Deserialize(data)
		require.NoError(t, err)
		assert.Equal(t, int32(1970), value.GetYear())
	})
}

func TestRegistry(t *testing.T) {
	registry := serde.NewRegistry()

	require.NoError(t, serde.RegisterJSON[internal.IntPayload](registry))
	require.NoError(t, serde.RegisterJSON[internal.StringPayload](registry))

	t.Run("registering the same name twice fails", func(t *testing.T) {
		assert.Error(t, serde.RegisterJSON[internal.IntPayload](registry))
	})

	t.Run("names are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"int_payload", "string_payload"}, registry.Names())
	})

	t.Run("messages round-trip by value", func(t *testing.T) {
		named, err := registry.Serialize(internal.StringPayload("hello"))
		require.NoError(t, err)
		assert.Equal(t, serde.Named{Name: "string_payload", Data: []byte(`"hello"`)}, named)

		msg, err := registry.Deserialize(named)
		require.NoError(t, err)
		assert.Equal(t, internal.StringPayload("hello"), msg)
	})

	t.Run("unknown names are reported", func(t *testing.T) {
		_, err := registry.Deserialize(serde.Named{Name: "what", Data: []byte("{}")})
		assert.ErrorIs(t, err, serde.ErrUnknownMessage)
	})

	t.Run("erased serdes reject foreign types", func(t *testing.T) {
		erased := serde.Erase[internal.IntPayload](serde.NewJSON(func() internal.IntPayload { return 0 }))

		_, err := erased.Serialize(internal.StringPayload("nope"))
		assert.Error(t, err)
	})
}
