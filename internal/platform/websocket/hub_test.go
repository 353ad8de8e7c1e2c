package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deptqueue/internal/platform/events"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, sendBuffer)}
}

func deptTopic() (uuid.UUID, string) {
	id := uuid.New()
	return id, events.DepartmentTopic(id)
}

func expectEvent(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var received events.Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return received
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return events.Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Send:
		t.Fatalf("client %s should not have received an event", c.ID)
	default:
	}
}

func TestValidTopic(t *testing.T) {
	_, topic := deptTopic()
	tests := map[string]bool{
		topic:                  true,
		AllDepartmentsTopic:    true,
		"Department/not-a-uid": false,
		"Patient/" + uuid.NewString(): false,
		"":                     false,
	}
	for in, want := range tests {
		if got := ValidTopic(in); got != want {
			t.Errorf("ValidTopic(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, topic := deptTopic()
	client := newClient("client-1", topic)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(topic) != 1 {
		t.Fatalf("expected 1 client on %s, got clients=%d topic=%d", topic, hub.ClientCount(), hub.TopicCount(topic))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(topic) != 0 {
		t.Fatalf("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister must not panic on the closed channel
	hub.Unregister(client)
}

func TestHub_PublishRoutesByDepartment(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	dept, topic := deptTopic()
	_, otherTopic := deptTopic()

	subscriber := newClient("sub", topic)
	other := newClient("other", otherTopic)
	watcher := newClient("watcher", AllDepartmentsTopic)
	hub.Register(subscriber)
	hub.Register(other)
	hub.Register(watcher)

	e, err := events.NewQueueChanged("enqueue", dept, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := expectEvent(t, subscriber)
	if got.Op != "enqueue" || got.DepartmentID != dept || got.Version != 2 {
		t.Fatalf("unexpected event %+v", got)
	}
	expectEvent(t, watcher)
	expectNothing(t, other)
}

func TestHub_PublishFillsMissingTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	dept, topic := deptTopic()
	c := newClient("c", topic)
	hub.Register(c)

	_ = hub.Publish(context.Background(), events.Event{Type: events.TypeQueueChanged, DepartmentID: dept})
	if got := expectEvent(t, c); got.Topic != topic {
		t.Fatalf("expected topic %s, got %s", topic, got.Topic)
	}
}

func TestHub_WildcardAndTopicDeliverOnce(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	dept, topic := deptTopic()
	c := newClient("both", topic, AllDepartmentsTopic)
	hub.Register(c)

	_ = hub.Publish(context.Background(), events.Event{DepartmentID: dept, Topic: topic})
	expectEvent(t, c)
	expectNothing(t, c)
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	dept, topic := deptTopic()
	c := &Client{ID: "slow", Topics: []string{topic}, Send: make(chan []byte, 1)}
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = hub.Publish(context.Background(), events.Event{DepartmentID: dept, Topic: topic})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow client")
	}
	if len(c.Send) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(c.Send))
	}
}

func TestHub_SubscribeRejectsInvalidTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, topic := deptTopic()
	c := newClient("dyn")
	hub.Register(c)

	rejected := hub.Subscribe(c, []string{topic, "Patient/123", topic})
	if len(rejected) != 1 || rejected[0] != "Patient/123" {
		t.Fatalf("expected Patient/123 rejected, got %v", rejected)
	}
	if len(c.Topics) != 1 || hub.TopicCount(topic) != 1 {
		t.Fatalf("expected a single subscription, got topics=%v", c.Topics)
	}
	if hub.TopicCount("Patient/123") != 0 {
		t.Fatal("invalid topic must not be tracked")
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, t1 := deptTopic()
	_, t2 := deptTopic()
	c := newClient("unsub", t1, t2, AllDepartmentsTopic)
	hub.Register(c)

	hub.Unsubscribe(c, []string{t1, AllDepartmentsTopic})

	if hub.TopicCount(t1) != 0 || hub.TopicCount(AllDepartmentsTopic) != 0 {
		t.Fatal("expected topics removed")
	}
	if hub.TopicCount(t2) != 1 {
		t.Fatalf("expected 1 on %s, got %d", t2, hub.TopicCount(t2))
	}
	if len(c.Topics) != 1 || c.Topics[0] != t2 {
		t.Fatalf("expected only %s remaining, got %v", t2, c.Topics)
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, topic := deptTopic()
	c := newClient("proc")
	hub.Register(c)

	var msg ClientMessage
	raw := `{"action":"subscribe","topics":["` + topic + `"]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	hub.ProcessMessage(c, msg)
	if hub.TopicCount(topic) != 1 {
		t.Fatalf("expected subscription after subscribe message")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{topic}})
	if hub.TopicCount(topic) != 0 {
		t.Fatalf("expected no subscription after unsubscribe message")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "shout", Topics: []string{topic}})
	if hub.TopicCount(topic) != 0 {
		t.Fatal("unknown actions must be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	dept, topic := deptTopic()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient(uuid.NewString(), topic)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), events.Event{DepartmentID: dept, Topic: topic})
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	anyOrigin := originChecker(nil)
	if !anyOrigin(req("https://evil.example")) {
		t.Fatal("empty allow-list should accept any origin")
	}

	star := originChecker([]string{"https://a.example", "*"})
	if !star(req("https://b.example")) {
		t.Fatal("* should accept any origin")
	}

	strict := originChecker([]string{"https://wards.example/"})
	if !strict(req("https://wards.example")) {
		t.Fatal("expected configured origin to be accepted")
	}
	if strict(req("https://other.example")) {
		t.Fatal("expected unknown origin to be rejected")
	}
	if !strict(req("")) {
		t.Fatal("requests without Origin come from non-browser clients")
	}
}

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	handler := NewWebSocketHandler(NewHub(zerolog.Nop()), nil)

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			return
		}
	}
	t.Fatal("expected GET /ws route to be registered")
}

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewWebSocketHandler(NewHub(zerolog.Nop()), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	err := handler.HandleConnect(e.NewContext(req, rec))
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, nil)

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	dept, topic := deptTopic()
	_, queryTopic := deptTopic()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topic=" + queryTopic

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount(queryTopic) == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{topic}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount(topic) == 1 })

	e2, _ := events.NewQueueChanged("call_next", dept, 9, map[string]int{"waiting": 0})
	if err := hub.Publish(context.Background(), e2); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Op != "call_next" || received.Version != 9 {
		t.Fatalf("unexpected event %+v", received)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
