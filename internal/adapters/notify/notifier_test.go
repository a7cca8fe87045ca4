package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertComposesAndSends(t *testing.T) {
	mailer := NewMailer("mail.example.net:587", "vpn@example.net", []string{"ops@example.net"}, "user", "pass", nil)

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  []byte
	)
	mailer.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotFrom = from
		gotTo = to
		gotMsg = msg
		assert.NotNil(t, a)
		return nil
	}

	err := mailer.Alert(context.Background(), "watcher stalled", "three polling cycles failed")
	require.NoError(t, err)

	assert.Equal(t, "mail.example.net:587", gotAddr)
	assert.Equal(t, "vpn@example.net", gotFrom)
	assert.Equal(t, []string{"ops@example.net"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: watcher stalled\r\n")
	assert.Contains(t, string(gotMsg), "three polling cycles failed")
}

func TestAuthHost(t *testing.T) {
	assert.Equal(t, "mail.example.net", authHost("mail.example.net:587"))
	assert.Equal(t, "::1", authHost("[::1]:25"))
	assert.Equal(t, "mail.example.net", authHost("mail.example.net"))
}

func TestAlertWithoutServerIsLogOnly(t *testing.T) {
	mailer := NewMailer("", "vpn@example.net", nil, "", "", nil)
	mailer.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called without a server")
		return nil
	}

	assert.NoError(t, mailer.Alert(context.Background(), "subject", "message"))
}

func TestAlertPropagatesSendError(t *testing.T) {
	mailer := NewMailer("mail.example.net:587", "vpn@example.net", []string{"ops@example.net"}, "", "", nil)
	mailer.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := mailer.Alert(context.Background(), "subject", "message")
	assert.ErrorContains(t, err, "connection refused")
}

func TestAlertTimesOut(t *testing.T) {
	mailer := NewMailer("mail.example.net:587", "vpn@example.net", []string{"ops@example.net"}, "", "", nil)
	mailer.SendTimeout = 10 * time.Millisecond
	mailer.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		time.Sleep(time.Second)
		return nil
	}

	err := mailer.Alert(context.Background(), "subject", "message")
	assert.ErrorContains(t, err, "timeout")
}
