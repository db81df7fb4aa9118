package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/TheodoreChuang/habita/internal/twiliowhatsapp"
)

func TestTwilioServiceWebhookEmitsResponse(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "yes I did it")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	service.WebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	select {
	case resp := <-service.Responses():
		if resp.From != "whatsapp:+15551234567" {
			t.Errorf("Unexpected sender %q", resp.From)
		}
		if resp.Body != "yes I did it" {
			t.Errorf("Unexpected body %q", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for response event")
	}
}

func TestTwilioServiceWebhookMissingFields(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	service.WebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestTwilioServiceSendMessageAfterStop(t *testing.T) {
	service := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := service.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	err := service.SendMessage(context.Background(), "+15551234567", "hello")
	if err != ErrServiceStopped {
		t.Errorf("Expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioServiceSendMessageCanonicalizes(t *testing.T) {
	mockClient := twiliowhatsapp.NewMockClient()
	service := NewTwilioService(mockClient)

	if err := service.SendMessage(context.Background(), "+1 (555) 123-4567", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if len(mockClient.SentMessages) != 1 {
		t.Fatalf("Expected one send, got %d", len(mockClient.SentMessages))
	}
	if mockClient.SentMessages[0].To != "15551234567" {
		t.Errorf("Expected canonical recipient, got %q", mockClient.SentMessages[0].To)
	}
}
