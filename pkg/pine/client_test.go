package pine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/pineai/internal/config"
	"github.com/user/pineai/internal/transport"
	"github.com/user/pineai/internal/types"
)

var upgrader = websocket.Upgrader{}

// scriptedServer upgrades, sends the ready frame, and hands the socket to fn.
func scriptedServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/socket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(transport.Envelope{Type: transport.EventReady}); err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	dataDir := t.TempDir()
	if err := config.SaveCredentials(dataDir, &config.Credentials{
		AccessToken: "AT1",
		UserID:      "U1",
		Email:       "user@example.com",
	}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{BaseURL: srv.URL, DataDir: dataDir, LogLevel: "info"}
	cfg.Stream.DebounceMs = 50
	cfg.Stream.SessionBufferSize = 64
	cfg.Stream.MaxConcurrent = 2
	cfg.Transport.ReadyTimeoutSec = 2
	cfg.Transport.MaxReconnects = 1
	cfg.Transport.ReconnectBaseMs = 10
	cfg.Transport.ReconnectMaxMs = 10
	cfg.Transport.PingIntervalSec = 30
	cfg.Transport.WriteTimeoutSec = 2
	cfg.Transport.RequestTimeoutSec = 2

	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func serverEvent(eventType string, session SessionID, message MessageID, data string) transport.Envelope {
	return transport.Envelope{
		Metadata: transport.Metadata{
			EventID: types.NewEventID(),
			Source:  transport.Source{Role: "agent"},
		},
		Type: eventType,
		Payload: transport.Payload{
			SessionID: session,
			MessageID: message,
			Type:      eventType,
			Data:      json.RawMessage(data),
		},
	}
}

func TestChatTurnEndToEnd(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		for {
			var env transport.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case transport.C2SJoin:
				// Responses echo the request's event type and id.
				ack := serverEvent(transport.C2SJoin, env.Payload.SessionID, "", `{"status":"joined"}`)
				ack.Metadata.RequestID = env.Metadata.RequestID
				ack.Metadata.Source = transport.Source{Role: "system"}
				conn.WriteJSON(ack)
			case transport.C2SMessage:
				var body struct {
					Content string `json:"content"`
				}
				json.Unmarshal(env.Payload.Data, &body)
				if body.Content != "cancel my gym membership" {
					t.Errorf("server got content %q", body.Content)
				}
				sid := env.Payload.SessionID
				conn.WriteJSON(serverEvent(transport.S2CAck, sid, "M1", `{"status":"received"}`))
				conn.WriteJSON(serverEvent(transport.S2CTextPart, sid, "M2", `{"content":"I'll call "}`))
				conn.WriteJSON(serverEvent(transport.S2CTextPart, sid, "M2", `{"content":"them now."}`))
				conn.WriteJSON(serverEvent(transport.S2CTextPart, sid, "M2", `{"content":"","final":true}`))
			}
		}
	})

	client := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	st, err := client.Chat(ctx, "S1", "cancel my gym membership", nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := st.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected ack + text, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventAck {
		t.Errorf("first event = %v, want ack", events[0].Type)
	}
	if events[1].Type != EventText || events[1].Text.Content != "I'll call them now." {
		t.Errorf("second event = %+v", events[1])
	}

	if phase, ok := client.SessionPhase("S1"); !ok || phase != PhaseIdle {
		t.Errorf("phase = %v/%v, want idle", phase, ok)
	}
}

func TestGetHistoryReplay(t *testing.T) {
	srv := scriptedServer(t, func(conn *websocket.Conn) {
		for {
			var env transport.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case transport.C2SJoin:
				ack := serverEvent(transport.C2SJoin, env.Payload.SessionID, "", `{"status":"joined"}`)
				ack.Metadata.RequestID = env.Metadata.RequestID
				ack.Metadata.Source = transport.Source{Role: "system"}
				conn.WriteJSON(ack)
			case transport.C2SHistory:
				reply := serverEvent(transport.C2SHistory, env.Payload.SessionID, "",
					`{"messages":[`+
						`{"id":"M1","role":"user","type":"text","content":"cancel my subscription","created_at":"2026-08-01T10:00:00Z"},`+
						`{"id":"M2","role":"agent","type":"text","content":"Done, refund is on the way.","created_at":"2026-08-01T10:01:00Z"},`+
						`{"id":"M3","role":"agent","type":"task_finished","data":{"status":"completed"},"created_at":"2026-08-01T10:02:00Z"}`+
						`]}`)
				reply.Metadata.RequestID = env.Metadata.RequestID
				reply.Metadata.Source = transport.Source{Role: "system"}
				conn.WriteJSON(reply)
			}
		}
	})

	client := testClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()
	if err := client.JoinSession(ctx, "S1"); err != nil {
		t.Fatal(err)
	}

	events, err := client.GetHistory(ctx, "S1", 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 replayed events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventText || events[0].Text.Content != "cancel my subscription" {
		t.Errorf("first = %+v", events[0])
	}
	if events[2].Type != EventTaskUpdate || events[2].Task.Status != TaskCompleted {
		t.Errorf("third = %+v", events[2])
	}
}

func TestConnectRequiresLogin(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://127.0.0.1:0", DataDir: t.TempDir()}
	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(context.Background()); err != ErrNotLoggedIn {
		t.Fatalf("err = %v, want ErrNotLoggedIn", err)
	}
}

func TestSessionURL(t *testing.T) {
	cfg := &config.Config{BaseURL: "https://www.19pine.ai/", DataDir: t.TempDir()}
	client, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := client.SessionURL("S1"); got != "https://www.19pine.ai/sessions/S1" {
		t.Errorf("url = %q", got)
	}
}
