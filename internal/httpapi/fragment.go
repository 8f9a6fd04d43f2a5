package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/ent0n29/voicetalk/internal/protocol"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

var fragments = template.Must(template.ParseFS(embeddedTemplates, "templates/*.tmpl"))

type messageFragment struct {
	Message protocol.MessagePayload
	Mine    bool
}

// renderMessage returns the HTML list item for one message as seen by
// viewerID.
func renderMessage(msg protocol.MessagePayload, viewerID string) (string, error) {
	var buf bytes.Buffer
	if err := fragments.ExecuteTemplate(&buf, "message", messageFragment{Message: msg, Mine: msg.SenderID == viewerID}); err != nil {
		return "", fmt.Errorf("render message fragment: %w", err)
	}
	return buf.String(), nil
}
