//go:build !embed

package embedCheck

var EmbeddedBytes []byte
var IsEmbedded bool
