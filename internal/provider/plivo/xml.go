package plivo

import (
	"bytes"
	"encoding/xml"
)

// Minimal Plivo XML builder for the webhook boundary.

type xmlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type xmlWait struct {
	XMLName xml.Name `xml:"Wait"`
	Length  int      `xml:"length,attr"`
	Silence string   `xml:"silence,attr,omitempty"`
}

func renderXML(verbs ...any) string {
	r := xmlResponse{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return xml.Header + "<Response></Response>"
	}
	_ = enc.Flush()
	return buf.String()
}

// waitXML keeps the call leg open for the given duration while the
// conversation is driven out-of-band through the media bridge. Without it
// Plivo tears the call down as soon as the answer document finishes.
func waitXML(seconds int) string {
	return renderXML(xmlWait{Length: seconds, Silence: "true"})
}

// emptyXML is the no-op document for callbacks that need no media decision.
func emptyXML() string {
	return renderXML()
}
