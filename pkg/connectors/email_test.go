package connectors

import (
	"context"
	"encoding/json"
	"net/smtp"
	"testing"

	"edon/pkg/vault"
)

func TestEmailConnector_DraftWritesSandboxFile(t *testing.T) {
	dir := t.TempDir()
	c := NewEmailConnector(dir)
	params, _ := json.Marshal(map[string]any{"recipients": []string{"a@example.com"}, "subject": "hi", "body": "yo"})

	res, err := c.Execute(context.Background(), "draft", params, vault.Handle{})
	if err != nil || !res.OK {
		t.Fatalf("draft: res=%+v err=%v", res, err)
	}
	var out map[string]any
	_ = json.Unmarshal(res.Output, &out)
	if out["draft_id"] == "" || out["draft_id"] == nil {
		t.Fatalf("expected draft_id in output, got %v", out)
	}
}

func TestEmailConnector_SendCallsSMTPAndAttachesObservation(t *testing.T) {
	dir := t.TempDir()
	c := NewEmailConnector(dir)

	var gotTo []string
	c.SendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		return nil
	}

	handle := vault.Handle{Payload: map[string]any{"smtp_host": "smtp.example.com", "smtp_port": "587", "smtp_user": "u", "smtp_password": "p"}}
	params, _ := json.Marshal(map[string]any{"recipients": []string{"b@example.com"}, "subject": "hi", "body": "yo"})

	res, err := c.Execute(context.Background(), "send", params, handle)
	if err != nil || !res.OK {
		t.Fatalf("send: res=%+v err=%v", res, err)
	}
	if len(gotTo) != 1 || gotTo[0] != "b@example.com" {
		t.Fatalf("expected SendMail called with recipient, got %v", gotTo)
	}
	var obs map[string]any
	_ = json.Unmarshal(res.Observation, &obs)
	if obs["verified"] != true {
		t.Fatalf("expected verified observation, got %v", obs)
	}
}

func TestEmailConnector_SendWithoutHostRefused(t *testing.T) {
	dir := t.TempDir()
	c := NewEmailConnector(dir)
	params, _ := json.Marshal(map[string]any{"recipients": []string{"b@example.com"}, "subject": "hi", "body": "yo"})
	res, err := c.Execute(context.Background(), "send", params, vault.Handle{Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected refusal without smtp_host configured")
	}
}

func TestEmailConnector_NoRecipientsRefused(t *testing.T) {
	dir := t.TempDir()
	c := NewEmailConnector(dir)
	params, _ := json.Marshal(map[string]any{"recipients": []string{}, "subject": "hi", "body": "yo"})
	res, err := c.Execute(context.Background(), "draft", params, vault.Handle{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected refusal for empty recipients")
	}
}
