package websocket

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fundsettle/internal/models"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed (trimmed)
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"", " "}} {
		checker := NewOriginChecker(origins)
		if !checker.Check("https://anything.example.org") {
			t.Errorf("NewOriginChecker(%v) should allow all origins", origins)
		}
	}
}

func TestFilter_Match(t *testing.T) {
	ev := &models.Event{Type: models.EventSharesBought, Vault: "0xvault"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"same vault", Filter{Vault: "0xvault"}, true},
		{"other vault", Filter{Vault: "0xother"}, false},
		{"type allowed", Filter{Types: map[string]bool{models.EventSharesBought: true}}, true},
		{"type filtered", Filter{Types: map[string]bool{models.EventFundCreated: true}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(ev); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFilter(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?vault=0xVAULT&types=shares_bought,%20FUND_CREATED,", nil)
	f := ParseFilter(r)

	if f.Vault != "0xvault" {
		t.Errorf("Vault = %q, want 0xvault", f.Vault)
	}
	if len(f.Types) != 2 || !f.Types[models.EventSharesBought] || !f.Types[models.EventFundCreated] {
		t.Errorf("Types = %v", f.Types)
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub()

	// Run не запущен - очередь заполняется и лишние сообщения отбрасываются
	for i := 0; i < broadcastBufferSize+10; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	if hub.DroppedMessages() != 10 {
		t.Errorf("expected 10 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub()

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()
	hub.Stop() // повторный вызов безопасен

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub.Handler(NewOriginChecker(nil)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?vault=0xvault"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello HelloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != MessageTypeHello || hello.Vault != "0xvault" {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	// Ждём регистрации клиента
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hub.BroadcastEvents([]models.Event{
		{ID: 1, Type: models.EventSharesBought, Vault: "0xother", Timestamp: ts},
		{ID: 2, Type: models.EventSharesBought, Vault: "0xvault", Timestamp: ts},
	})

	var msg EventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != MessageTypeEvent || msg.Event == nil || msg.Event.ID != 2 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestHub_HandlerRejectsBadVault(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	rec := httptest.NewRecorder()
	hub.Handler(NewOriginChecker(nil)).ServeHTTP(rec, httptest.NewRequest("GET", "/ws?vault=not-hex!", nil))

	if rec.Code != 400 {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.BroadcastEvent(&models.Event{ID: int64(j), Type: models.EventSharesBought})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_BroadcastEvent(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	ev := &models.Event{
		Type:  models.EventPolicyStateUpdated,
		Vault: "0xvault",
		Data:  map[string]interface{}{"cumulative_slippage": "0.05"},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastEvent(ev)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}
