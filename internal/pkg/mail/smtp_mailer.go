package mail

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"github.com/ManuelReschke/PixelVault/internal/pkg/env"
)

// SendMail sends an HTML email via the SMTP server from the environment
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if host == "" {
		return fmt.Errorf("SMTP_HOST not set")
	}
	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", env.GetEnv("PUBLIC_DOMAIN", "localhost"))
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	err := smtp.SendMail(addr, auth, sender, []string{to}, buildMessage(sender, to, subject, body))
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	} else {
		log.Printf("Email sent to %s via %s", to, addr)
	}
	return err
}

func buildMessage(from, to, subject, body string) []byte {
	// Header injection guard
	clean := strings.NewReplacer("\r", "", "\n", "")
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", clean.Replace(from), clean.Replace(to), clean.Replace(subject)) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)
}
