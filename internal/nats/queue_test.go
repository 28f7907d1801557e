package nats

import "testing"

func TestTaskSubject(t *testing.T) {
	tests := map[string]string{
		"":                "tasks.webhook.message",
		"  ":              "tasks.webhook.message",
		"receive_message": "tasks.webhook.receive_message",
		"im.receive":      "tasks.webhook.im_receive",
		"a*b>c d":         "tasks.webhook.a_b_c_d",
	}
	for in, want := range tests {
		if got := TaskSubject(in); got != want {
			t.Fatalf("TaskSubject(%q)=%q want %q", in, got, want)
		}
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	if cfg.MaxDeliver < 1 || cfg.PublishAttempts < 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.AckWait >= cfg.DuplicateWindow {
		t.Fatalf("ack wait %s should be below duplicate window %s", cfg.AckWait, cfg.DuplicateWindow)
	}
}
