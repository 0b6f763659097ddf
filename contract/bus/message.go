package bus

// Message is a delivered envelope. Payload is an opaque JSON document; the
// core never rewrites it.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Header returns the value of a header or "" when absent.
func (m Message) Header(k string) string {
	if m.Headers == nil {
		return ""
	}

	return m.Headers[k]
}
