package delivery

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"testing"

	"certificate-pipeline/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func sampleMessage() Message {
	return Message{
		FromEmail: "certificates@example.org",
		FromName:  "Certificates",
		To:        "sop@acme.test",
		Subject:   "Course Completion Certificate - Ana Lima",
		HTML:      "<p>done</p>",
		Text:      "done",
		Attachment: &Attachment{
			Filename:    "Certificate_ana-lima_safety-101_20261016.pdf",
			ContentType: "application/pdf",
			Content:     []byte(strings.Repeat("%PDF-1.7 ", 40)),
		},
	}
}

func TestSendgridTransport(t *testing.T) {
	var got map[string]any
	status := http.StatusAccepted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/mail/send", r.URL.Path)
		require.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tr := NewSendgridTransport("sg-key", srv.URL)
	require.NoError(t, tr.Send(context.Background(), sampleMessage()))
	require.Equal(t, "Course Completion Certificate - Ana Lima", got["subject"])
	attachments := got["attachments"].([]any)
	require.Len(t, attachments, 1)
	require.Equal(t, "Certificate_ana-lima_safety-101_20261016.pdf", attachments[0].(map[string]any)["filename"])

	status = http.StatusBadRequest
	err := tr.Send(context.Background(), sampleMessage())
	require.True(t, errutil.IsKind(err, errutil.KindPermanentDelivery))

	status = http.StatusTooManyRequests
	err = tr.Send(context.Background(), sampleMessage())
	require.True(t, errutil.IsKind(err, errutil.KindTransientDelivery))

	err = NewSendgridTransport("", srv.URL).Send(context.Background(), sampleMessage())
	require.ErrorIs(t, err, ErrSendgridNotConfigured)
}

func TestEncodeMIME(t *testing.T) {
	raw, err := encodeMIME(sampleMessage())
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Equal(t, "<sop@acme.test>", msg.Header.Get("To"))

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	require.Equal(t, "Course Completion Certificate - Ana Lima", subject)

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	body, err := mr.NextPart()
	require.NoError(t, err)
	require.Contains(t, body.Header.Get("Content-Type"), "text/html")

	att, err := mr.NextPart()
	require.NoError(t, err)
	require.Equal(t, "Certificate_ana-lima_safety-101_20261016.pdf", att.FileName())

	_, err = mr.NextPart()
	require.ErrorIs(t, err, io.EOF)

	for _, line := range strings.Split(string(raw), "\r\n") {
		require.LessOrEqual(t, len(line), 998)
	}
}

func TestSMTPTransportUnconfigured(t *testing.T) {
	err := NewSMTPTransport("", 587, "", "").Send(context.Background(), sampleMessage())
	require.ErrorIs(t, err, ErrSMTPNotConfigured)
	require.True(t, errutil.IsKind(err, errutil.KindTransientDelivery))
}

func TestSMTPRejectsHeaderInjection(t *testing.T) {
	msg := sampleMessage()
	msg.To = "sop@acme.test\r\nBcc: leak@evil.test"

	_, err := encodeMIME(msg)
	require.ErrorIs(t, err, ErrInvalidRecipient)

	err = NewSMTPTransport("smtp.acme.test", 587, "", "").Send(context.Background(), msg)
	require.ErrorIs(t, err, ErrInvalidRecipient)
	require.True(t, errutil.IsKind(err, errutil.KindPermanentDelivery))
}
