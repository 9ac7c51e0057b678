package codec

import "errors"

// Codec errors. ErrBufferUnderflow signals a protocol desync: once a read
// runs past the end of a packet the cursor alignment cannot be trusted and
// the connection must be dropped, not resynchronized.
var (
	ErrBufferUnderflow = errors.New("read past end of buffer")
	ErrValueTooLarge   = errors.New("value exceeds length-prefix range")
	ErrNotNormalized   = errors.New("quaternion is not unit length")
)
