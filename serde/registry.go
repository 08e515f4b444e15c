package serde

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/get-eventually/go-subscriptions/message"
)

// ErrUnknownMessage is returned by a Registry when no serde has been
// registered for the name of the Message being (de)serialized.
var ErrUnknownMessage = errors.New("serde: unknown message name")

// Named is the serialized form of a message.Message: its name, used
// to look the right deserializer up, and its encoded payload.
type Named struct {
	Name string
	Data []byte
}

// Registry is a Serde for message.Message values of different concrete types,
// keyed by the name each Message returns.
//
// Persistent Event Store implementations use a Registry to store the Message
// name alongside the payload and rehydrate the right concrete type on read.
type Registry struct {
	mx     sync.RWMutex
	serdes map[string]Serde[message.Message, []byte]
}

// Interface implementation assertion.
var _ Serde[message.Message, Named] = new(Registry)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{serdes: make(map[string]Serde[message.Message, []byte])}
}

// Register adds a serde for the Messages named as specified.
// It fails if a serde for the same name has already been registered.
func (r *Registry) Register(name string, s Serde[message.Message, []byte]) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.serdes[name]; ok {
		return fmt.Errorf("serde.Registry: failed to register '%s', name already registered", name)
	}

	r.serdes[name] = s

	return nil
}

// Names returns the sorted list of registered Message names.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	names := make([]string, 0, len(r.serdes))
	for name := range r.serdes {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Serialize implements the serde.Serializer interface.
func (r *Registry) Serialize(msg message.Message) (Named, error) {
	s, err := r.lookup(msg.Name())
	if err != nil {
		return Named{}, err
	}

	data, err := s.Serialize(msg)
	if err != nil {
		return Named{}, fmt.Errorf("serde.Registry: failed to serialize '%s', %w", msg.Name(), err)
	}

	return Named{Name: msg.Name(), Data: data}, nil
}

// Deserialize implements the serde.Deserializer interface.
func (r *Registry) Deserialize(named Named) (message.Message, error) {
	s, err := r.lookup(named.Name)
	if err != nil {
		return nil, err
	}

	msg, err := s.Deserialize(named.Data)
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to deserialize '%s', %w", named.Name, err)
	}

	return msg, nil
}

func (r *Registry) lookup(name string) (Serde[message.Message, []byte], error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	s, ok := r.serdes[name]
	if !ok {
		return nil, fmt.Errorf("serde.Registry: '%s', %w", name, ErrUnknownMessage)
	}

	return s, nil
}

// Erase adapts a serde of a concrete Message type into one working
// on the message.Message interface, as required by Registry.Register.
func Erase[T message.Message](s Serde[T, []byte]) Fused[message.Message, []byte] {
	serializer := func(msg message.Message) ([]byte, error) {
		concrete, ok := msg.(T)
		if !ok {
			return nil, fmt.Errorf("serde.Erase: unexpected message type, %T", msg)
		}

		return s.Serialize(concrete)
	}

	deserializer := func(data []byte) (message.Message, error) {
		return s.Deserialize(data)
	}

	return Fuse[message.Message, []byte](AsSerializerFunc(serializer), AsDeserializerFunc(deserializer))
}

// RegisterJSON registers a JSON serde for the Message type T, using
// the name returned by the zero value of T.
//
// T should be a value type: deserialized Messages are returned by value.
func RegisterJSON[T message.Message](r *Registry) error {
	var zeroValue T

	return r.Register(zeroValue.Name(), Erase[T](NewJSON(func() T {
		var model T
		return model
	})))
}
