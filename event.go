package stitchz

// Property is a key/value annotation on a span or event.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is a named, zero-duration occurrence inside a span.
type Event struct {
	Name       string
	Properties []Property
}

// NewEvent creates an event with no properties.
func NewEvent(name string) Event {
	return Event{Name: name}
}

// WithProperty returns a copy of the event with one more property.
func (e Event) WithProperty(key, value string) Event {
	props := make([]Property, len(e.Properties), len(e.Properties)+1)
	copy(props, e.Properties)
	e.Properties = append(props, Property{Key: key, Value: value})
	return e
}
