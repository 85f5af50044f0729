package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventJob, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventJob, EventBid},
	}}

	jobEvent := &Event{Type: EventJob}
	bidEvent := &Event{Type: EventBid}
	cashoutEvent := &Event{Type: EventCashout}

	if !h.shouldSend(client, jobEvent) {
		t.Error("Should receive job events")
	}
	if !h.shouldSend(client, bidEvent) {
		t.Error("Should receive bid events")
	}
	if h.shouldSend(client, cashoutEvent) {
		t.Error("Should NOT receive cashout events")
	}
}

func TestShouldSend_AgentFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AgentAddrs: []string{"0xagent1"},
	}}

	matchingPoster := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"posterAddr": "0xagent1", "jobId": "job_1"},
	}
	notMatching := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"posterAddr": "0xother", "assignedAgent": "0xanother"},
	}
	matchingAssignee := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"posterAddr": "0xsender", "assignedAgent": "0xagent1"},
	}
	matchingCashout := &Event{
		Type: EventCashout,
		Data: map[string]interface{}{"agentAddr": "0xagent1"},
	}

	if !h.shouldSend(client, matchingPoster) {
		t.Error("Should match on poster address")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated agents")
	}
	if !h.shouldSend(client, matchingAssignee) {
		t.Error("Should match on assigned agent")
	}
	if !h.shouldSend(client, matchingCashout) {
		t.Error("Should match on agentAddr")
	}
}

func TestShouldSend_JobFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		JobIDs: []string{"job_42"},
	}}

	matching := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"jobId": "job_42", "status": "assigned"},
	}
	notMatching := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"jobId": "job_7", "status": "assigned"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match the watched job")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other jobs")
	}
}

func TestShouldSend_TagFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Tags: []string{"translation"},
	}}

	matching := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"tags": []string{"translation", "nlp"}},
	}
	notMatching := &Event{
		Type: EventJob,
		Data: map[string]interface{}{"tags": []string{"imaging"}},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match a job carrying the watched tag")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match jobs without the tag")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventJob}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AgentAddrs: []string{"0xagent1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventPool,
		Data: "string data not a map",
	}

	// Agent filter skips non-map data (can't extract addresses), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when agent filter can't extract addresses")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventJob, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastJob(map[string]interface{}{
		"jobId": "job_1", "status": "released", "lockedAmount": "90.000000",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastCashout(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastCashout(map[string]interface{}{
		"agentAddr": "0xa", "outcome": "win", "payout": "19.000000",
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants cashouts
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventCashout}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a job event (should be filtered out)
	h.Broadcast(&Event{Type: EventJob, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive job event")
	default:
		// Good - filtered out
	}

	// Send a cashout event (should be received)
	h.Broadcast(&Event{Type: EventCashout, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive cashout event")
	}
}
