package bus

// PublishOptions controls outbound publishing.
// Key is used as the partition/routing key where the transport supports one.
type PublishOptions struct {
	Key     string
	Headers map[string]string
}

// CloneHeaders returns a copy of h with room for extra entries.
func CloneHeaders(h map[string]string, extra int) map[string]string {
	out := make(map[string]string, len(h)+extra)
	for k, v := range h {
		out[k] = v
	}

	return out
}
