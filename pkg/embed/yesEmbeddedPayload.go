//go:build embed

package embedCheck

import _ "embed"

// Build with -tags embed and a PE file named preload next to this file to
// map that image when no path is given on the command line.

//go:embed preload
var EmbeddedBytes []byte
var IsEmbedded bool

func init() {
	IsEmbedded = true
}
