// Package stream reconstructs discrete JSON objects from an upstream byte
// stream whose fragments do not align with object boundaries.
//
// Gemini's streamGenerateContent delivers a JSON array of response objects in
// arbitrarily sized fragments. The Reassembler buffers fragments and yields
// each complete top-level object as soon as its closing brace arrives,
// preserving arrival order. It is an explicit state object threaded through
// successive reads, not a closure over mutable locals, so it survives
// suspension between reads.
package stream

// Reassembler accumulates stream fragments and extracts balanced JSON
// objects. Not safe for concurrent use; each stream owns one instance.
type Reassembler struct {
	buf []byte
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends a fragment and returns every complete top-level JSON object
// now available, in order. The incomplete tail stays buffered for the next
// call. Returned slices are copies — safe to retain after the next Feed.
//
// Brace counting is quote-aware: braces inside JSON string values do not
// open or close objects. Candidates are returned without validation; the
// caller discards ones that fail to parse.
func (r *Reassembler) Feed(fragment []byte) [][]byte {
	r.buf = append(r.buf, fragment...)

	var objects [][]byte
	for {
		obj, rest, ok := scanObject(r.buf)
		r.buf = rest
		if !ok {
			break
		}
		objects = append(objects, obj)
	}
	return objects
}

// Pending reports how many buffered bytes are waiting for completion.
func (r *Reassembler) Pending() int { return len(r.buf) }

// scanObject finds the first '{' in buf and scans for its balanced closing
// brace. On success it returns a copy of the object, the remaining buffer,
// and true.
func scanObject(buf []byte) (obj []byte, rest []byte, ok bool) {
	start := -1
	for i, c := range buf {
		if c == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		// No object can begin here; drop the separator noise ("[", ",", "]")
		// so the buffer does not grow without bound.
		return nil, buf[:0], false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		c := buf[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// String contents never affect depth.
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				obj = make([]byte, i+1-start)
				copy(obj, buf[start:i+1])
				return obj, buf[i+1:], true
			}
		}
	}

	// Incomplete — keep from the object start onwards.
	return nil, buf[start:], false
}
