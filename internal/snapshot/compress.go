package snapshot

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// compressionMinSize is the content length below which compression isn't
// worth the CPU: snappy's frame overhead dominates on tiny bodies.
const compressionMinSize = 256

// compressContent snappy-encodes content for storage, returning it
// unmodified (and compressed=false) when it's too small to be worth it.
func compressContent(content []byte) (out []byte, compressed bool) {
	if len(content) < compressionMinSize {
		return content, false
	}
	return snappy.Encode(nil, content), true
}

func decompressContent(content []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return content, nil
	}
	out, err := snappy.Decode(nil, content)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decompress content: %w", err)
	}
	return out, nil
}
