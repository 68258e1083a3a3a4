package frame

import "fmt"

// Delimiter terminates every stuffed packet on the wire.
const Delimiter byte = 0x00

// COBSEncode applies consistent-overhead byte stuffing so the result
// contains no Delimiter bytes. The delimiter itself is not appended.
func COBSEncode(src []byte) []byte {
	out := make([]byte, 1, len(src)+len(src)/254+2)
	codeIdx := 0
	code := byte(1)
	for i, b := range src {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF && i < len(src)-1 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// COBSDecode reverses COBSEncode. Input must not include the delimiter.
func COBSDecode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, fmt.Errorf("%w: zero code byte at %d", ErrStuffingInvalid, i)
		}
		i++
		end := i + int(code) - 1
		if end > len(src) {
			return nil, fmt.Errorf("%w: block at %d overruns packet", ErrStuffingInvalid, i-1)
		}
		for j := i; j < end; j++ {
			if src[j] == 0 {
				return nil, fmt.Errorf("%w: zero data byte at %d", ErrStuffingInvalid, j)
			}
		}
		out = append(out, src[i:end]...)
		i = end
		if code < 0xFF && i < len(src) {
			out = append(out, 0)
		}
	}
	return out, nil
}
