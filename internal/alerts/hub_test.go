package alerts

import (
	"testing"

	"github.com/miradorstack/mirador-federator/internal/models"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(nil)
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelA()
	defer cancelB()

	hub.Publish(models.Alert{ID: "1", GroupID: "crm", Severity: models.SeverityWarning})

	for _, ch := range []<-chan models.Alert{a, b} {
		select {
		case got := <-ch:
			if got.ID != "1" {
				t.Fatalf("unexpected alert %+v", got)
			}
		default:
			t.Fatalf("expected alert to be delivered")
		}
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	drops := 0
	hub := NewHub(func() { drops++ })
	_, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(models.Alert{ID: "1"})
	hub.Publish(models.Alert{ID: "2"})
	hub.Publish(models.Alert{ID: "3"})

	if hub.Dropped() != 2 || drops != 2 {
		t.Fatalf("expected 2 drops, got %d/%d", hub.Dropped(), drops)
	}
}

func TestHubCancelAndClose(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}

	other, _ := hub.Subscribe(1)
	hub.Close()
	if _, ok := <-other; ok {
		t.Fatalf("expected closed channel after hub close")
	}
	hub.Publish(models.Alert{ID: "late"})

	late, _ := hub.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after close should yield a closed channel")
	}
}
