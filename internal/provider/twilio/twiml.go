package twilio

import (
	"bytes"
	"encoding/xml"
)

// Minimal TwiML builder covering the verbs the gateway emits at the webhook
// boundary. Intentionally no provider SDK dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlConnect struct {
	XMLName xml.Name     `xml:"Connect"`
	Stream  *twimlStream `xml:"Stream,omitempty"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

func renderTwiML(verbs ...any) string {
	r := twimlResponse{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		// The verb structs are static; an encode failure is a programming
		// error and an empty Response is the safest fallback on the wire.
		return xml.Header + "<Response></Response>"
	}
	_ = enc.Flush()
	return buf.String()
}

// connectStreamTwiML tells Twilio to bridge the call's audio to the media
// stream websocket, tagging the stream with the internal call ID.
func connectStreamTwiML(streamURL, callID string) string {
	stream := &twimlStream{URL: streamURL}
	if callID != "" {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: "callId", Value: callID})
	}
	return renderTwiML(twimlConnect{Stream: stream})
}

// emptyTwiML is the no-op directive for pure status callbacks.
func emptyTwiML() string {
	return renderTwiML()
}

// sayTwiML speaks a message on the live call, then resumes the media stream
// bridge so the conversation continues.
func sayTwiML(message, voice, streamURL, callID string) string {
	if voice == "" {
		voice = "alice"
	}
	verbs := []any{twimlSay{Voice: voice, Text: message}}
	if streamURL != "" {
		stream := &twimlStream{URL: streamURL}
		if callID != "" {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: "callId", Value: callID})
		}
		verbs = append(verbs, twimlConnect{Stream: stream})
	} else {
		verbs = append(verbs, twimlPause{Length: 2})
	}
	return renderTwiML(verbs...)
}
