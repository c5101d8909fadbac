//go:build linux && !cgo

package tts

import "errors"

// NewSpeakerPlayer needs cgo on linux for ALSA access.
func NewSpeakerPlayer(sampleRate, channels int) (Player, error) {
	return nil, errors.New("speaker playback requires a cgo build on linux")
}
