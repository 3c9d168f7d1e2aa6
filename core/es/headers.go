package es

// Headers is the string metadata attached to an event when it is applied or
// raised, and to a commit when it is written. It is not mutated afterwards.
type Headers map[string]string

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// With returns a merged copy; keys in other win.
func (h Headers) With(other Headers) Headers {
	out := make(Headers, len(h)+len(other))
	for k, v := range h {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (h Headers) Get(key string) string { return h[key] }
