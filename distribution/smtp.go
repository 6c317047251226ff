//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package distribution

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPSink mails the links of each batch to the batch operator.
type SMTPSink struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
	To       []string

	// send is replaced in tests.
	send func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *SMTPSink) Deliver(ctx context.Context, d *Delivery) error {
	if len(s.To) == 0 {
		return fmt.Errorf("smtp sink has no recipients")
	}

	var auth smtp.Auth
	if s.Username != "" {
		host, _, err := net.SplitHostPort(s.Addr)
		if err != nil {
			return err
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}

	send := s.send
	if send == nil {
		send = sendMail
	}
	if err := send(ctx, s.Addr, auth, s.From, s.To, s.message(d)); err != nil {
		return fmt.Errorf("sending links of batch %v: %w", d.BatchID, err)
	}
	return nil
}

// sendMail is smtp.SendMail with a connection that is closed when ctx is
// done.
func sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) (err error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("recipient %v: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (s *SMTPSink) message(d *Delivery) []byte {
	subject := fmt.Sprintf("Survey links: batch %v (%d tokens)", d.BatchID, len(d.Links))

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "From: %v\r\n", s.From)
	fmt.Fprintf(buf, "To: %v\r\n", strings.Join(s.To, ", "))
	fmt.Fprintf(buf, "Subject: %v\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(buf, "Date: %v\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")

	fmt.Fprintf(buf, "Survey %v, batch %v.\r\n", d.SurveyID, d.BatchID)
	buf.WriteString("Each link may be used once. They are not stored on the server.\r\n\r\n")
	for _, link := range d.Links {
		buf.WriteString(link)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
