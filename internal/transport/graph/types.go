package graph

import (
	"encoding/base64"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject      string            `json:"subject"`
	Body         messageBody       `json:"body"`
	ToRecipients []recipient       `json:"toRecipients"`
	Attachments  []graphAttachment `json:"attachments,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a request into a Graph API sendMail body.
// Path attachments are read from disk.
func buildSendMailRequest(req *email.SendEmailRequest, files transport.Files) (*sendMailRequest, error) {
	toRecipients := make([]recipient, 0, len(req.Recipients))
	for _, addr := range req.Recipients {
		toRecipients = append(toRecipients, recipient{
			EmailAddress: emailAddress{Address: addr},
		})
	}

	attachments := make([]graphAttachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		content, err := transport.ReadAttachment(att, files)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Name,
			ContentType:  transport.ContentType(att),
			ContentBytes: base64.StdEncoding.EncodeToString(content),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject: req.Subject,
			Body: messageBody{
				ContentType: "text",
				Content:     req.Body,
			},
			ToRecipients: toRecipients,
			Attachments:  attachments,
		},
		SaveToSentItems: true,
	}, nil
}
