package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPSenderPostsMessageAndSMTPConfig(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	sender, err := NewHTTPSender(srv.URL, SMTPConfig{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"}, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSender failed: %v", err)
	}

	msg := Message{To: "a@example.com", Subject: "hi", HTML: "<p>hi</p>", Text: "hi"}
	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got["to"] != "a@example.com" || got["subject"] != "hi" || got["text"] != "hi" {
		t.Fatalf("unexpected message fields: %v", got)
	}
	smtp, ok := got["smtp"].(map[string]any)
	if !ok || smtp["host"] != "smtp.example.com" || smtp["from"] != "noreply@example.com" {
		t.Fatalf("unexpected smtp block: %v", got["smtp"])
	}
}

func TestHTTPSenderReportsEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"mailbox unavailable"}`))
	}))
	defer srv.Close()

	sender, _ := NewHTTPSender(srv.URL, SMTPConfig{}, time.Second)
	err := sender.Send(context.Background(), Message{To: "a@example.com", Subject: "s", Text: "t"})
	if err == nil || !strings.Contains(err.Error(), "mailbox unavailable") {
		t.Fatalf("expected endpoint error, got %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"error":"upstream"}`))
	}))
	defer bad.Close()

	sender, _ = NewHTTPSender(bad.URL, SMTPConfig{}, time.Second)
	if err := sender.Send(context.Background(), Message{To: "a@example.com", Subject: "s", Text: "t"}); err == nil {
		t.Fatal("expected non-2xx to fail")
	}
}

func TestHTTPSenderHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	sender, _ := NewHTTPSender(srv.URL, SMTPConfig{}, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := sender.Send(ctx, Message{To: "a@example.com", Subject: "s", Text: "t"}); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatal("Send did not return at the context deadline")
	}
}

func TestSMTPSenderHonorsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		// Accept and never greet.
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(2 * time.Second)
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	sender, err := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, From: "noreply@example.com"})
	if err != nil {
		t.Fatalf("NewSMTPSender failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sender.Send(ctx, Message{To: "a@example.com", Subject: "s", Text: "t"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMessageValidation(t *testing.T) {
	if err := (Message{Subject: "s", Text: "t"}).validate(); err == nil {
		t.Fatal("expected missing recipient to fail")
	}
	if err := (Message{To: "a@example.com", Subject: "s"}).validate(); err == nil {
		t.Fatal("expected empty body to fail")
	}
}

func TestBuildersEscapeInput(t *testing.T) {
	msg := ApprovalRequestMessage("app", "admin@example.com", "<bob>", "Bob & Co", "bob@example.com", "https://x/approve?t=1&u=2", "https://x/reject")
	if strings.Contains(msg.HTML, "<bob>") || !strings.Contains(msg.HTML, "&lt;bob&gt;") {
		t.Fatalf("username not escaped: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "Bob &amp; Co") {
		t.Fatalf("full name not escaped: %s", msg.HTML)
	}

	otp := OTPMessage("app", "a@example.com", "password-reset", "123456", 10*time.Minute)
	if !strings.Contains(otp.Text, "reset your password") || !strings.Contains(otp.Text, "10 minutes") {
		t.Fatalf("unexpected otp text: %q", otp.Text)
	}
}
