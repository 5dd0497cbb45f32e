package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// ReviewData fills the contract review email.
type ReviewData struct {
	To          string
	AgentName   string
	CompanyName string
	BaseURL     string
	Secret      string
	ExpiresAt   time.Time
	PDFFilename string
	PDF         []byte
}

// ReviewLink is the agent-facing URL for a token secret.
func ReviewLink(baseURL, secret string) string {
	return strings.TrimRight(baseURL, "/") + "/onboarding/contract-review/" + secret
}

var reviewTemplate = template.Must(template.New("review").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Helvetica, Arial, sans-serif; color: #222;">
<p>Hi {{.AgentName}},</p>
<p>Your commission agreement with {{.CompanyName}} is ready. A copy is attached to this email.</p>
<p><a href="{{.Link}}">Review and sign your agreement</a></p>
<p>This link is personal and can be used once. It expires on {{.Expires}}.</p>
<p>{{.CompanyName}}</p>
</body>
</html>
`))

// ReviewMessage renders the review email with the agreement attached.
func ReviewMessage(d ReviewData) (Message, error) {
	if d.To == "" || d.Secret == "" {
		return Message{}, fmt.Errorf("mail: review message: recipient and secret required")
	}
	company := d.CompanyName
	if company == "" {
		company = "our team"
	}
	name := d.AgentName
	if name == "" {
		name = "there"
	}

	var body bytes.Buffer
	err := reviewTemplate.Execute(&body, map[string]string{
		"AgentName":   name,
		"CompanyName": company,
		"Link":        ReviewLink(d.BaseURL, d.Secret),
		"Expires":     d.ExpiresAt.UTC().Format("January 2, 2006 15:04 MST"),
	})
	if err != nil {
		return Message{}, fmt.Errorf("mail: render review: %w", err)
	}

	msg := Message{
		To:       d.To,
		Subject:  "Your commission agreement is ready to sign",
		HTMLBody: body.String(),
	}
	if len(d.PDF) > 0 {
		msg.Attachments = []Attachment{{Filename: d.PDFFilename, ContentType: "application/pdf", Data: d.PDF}}
	}
	return msg, nil
}
