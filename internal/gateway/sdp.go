package gateway

import (
	"errors"
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

var errNoAudio = errors.New("session description has no audio media")

// validateSDP checks that an offer or answer parses and carries an audio
// stream. The payload is otherwise relayed untouched.
func validateSDP(body string) error {
	sdpObj := &psdp.SessionDescription{}
	if err := sdpObj.Unmarshal([]byte(body)); err != nil {
		return fmt.Errorf("parsing session description: %w", err)
	}
	for _, md := range sdpObj.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return errNoAudio
}
