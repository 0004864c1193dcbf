package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"certificate-pipeline/pkg/errutil"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendgridHost = "https://api.sendgrid.com"

var ErrSendgridNotConfigured = errors.New("sendgrid api key is not configured")

type SendgridTransport struct {
	apiKey string
	host   string
}

func NewSendgridTransport(apiKey, host string) *SendgridTransport {
	if host == "" {
		host = sendgridHost
	}
	return &SendgridTransport{apiKey: apiKey, host: strings.TrimRight(host, "/")}
}

func (t *SendgridTransport) Name() string { return "sendgrid" }

func (t *SendgridTransport) Send(ctx context.Context, msg Message) error {
	if t.apiKey == "" {
		return errutil.TransientDelivery("sendgrid", ErrSendgridNotConfigured)
	}

	m := mail.NewSingleEmail(
		mail.NewEmail(msg.FromName, msg.FromEmail),
		msg.Subject,
		mail.NewEmail("", msg.To),
		msg.Text,
		msg.HTML,
	)
	if a := msg.Attachment; a != nil {
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(a.Content))
		att.SetType(a.ContentType)
		att.SetFilename(a.Filename)
		att.SetDisposition("attachment")
		m.AddAttachment(att)
	}

	req := sendgrid.GetRequest(t.apiKey, "/v3/mail/send", t.host)
	req.Method = rest.Post
	req.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return errutil.TransientDelivery("sendgrid", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, truncate(resp.Body, 300))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return errutil.PermanentDelivery("sendgrid", err)
	}
	return errutil.TransientDelivery("sendgrid", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
