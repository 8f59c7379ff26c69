package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiML answer document pointing the call at our media-stream endpoint.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// AnswerTwiML renders the webhook response that connects an incoming call to
// the websocket media stream on the given host.
func AnswerTwiML(host string) (string, error) {
	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: fmt.Sprintf("wss://%s/media-stream", host)},
		},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("telephony: render TwiML: %w", err)
	}
	return xml.Header + string(out), nil
}
