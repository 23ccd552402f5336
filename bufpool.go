package sniproxy

import (
	bufpool "github.com/libp2p/go-buffer-pool"
)

// relayBufferSize is the copy buffer used per relay direction.
const relayBufferSize = 32 * 1024

func BufferPoolGet(n int) []byte {
	return bufpool.Get(n)
}

// BufferPoolPut zeroes slice before returning it: relay buffers carry
// ciphertext from other connections.
func BufferPoolPut(slice []byte) {
	for i := 0; i < len(slice); i++ {
		slice[i] = 0
	}
	bufpool.Put(slice)
}
