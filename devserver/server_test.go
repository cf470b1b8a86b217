package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"

	"trackchat/api"
	"trackchat/chat"
	"trackchat/models"
	"trackchat/transport"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	cfg.DBPath = filepath.Join(t.TempDir(), "chat.db")
	cfg.Logger = log.New(io.Discard, "", 0)
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
	return srv
}

func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	srv := newTestServer(t, cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, "http://" + ln.Addr().String()
}

func seedMessage(t *testing.T, srv *Server, sender, receiver, text string, sentAt time.Time) {
	t.Helper()
	if _, err := srv.store.SaveMessage(context.Background(), ChatMessage{
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       text,
		SentAt:     sentAt,
	}); err != nil {
		t.Fatalf("seed message failed: %v", err)
	}
}

func doRequest(t *testing.T, srv *Server, target string, header http.Header) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := srv.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("request %s failed: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return resp.StatusCode, body
}

func TestHistoryRouteReturnsConversation(t *testing.T) {
	srv := newTestServer(t, Config{})
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	seedMessage(t, srv, "c1", "u1", "hi", base.Add(time.Second))
	seedMessage(t, srv, "u1", "c1", "yo", base.Add(2*time.Second))
	seedMessage(t, srv, "c2", "u1", "other", base)

	status, body := doRequest(t, srv, api.HistoryPath+"?userId=u1&coworkerId=c1", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	var response models.HistoryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.CoworkerChats) != 1 {
		t.Fatalf("expected one document, got %d", len(response.CoworkerChats))
	}
	document := response.CoworkerChats[0]
	if len(document.MessageReceived) != 1 || document.MessageReceived[0].Text != "hi" {
		t.Fatalf("unexpected received list: %+v", document.MessageReceived)
	}
	if len(document.MessageSent) != 1 || document.MessageSent[0].Text != "yo" {
		t.Fatalf("unexpected sent list: %+v", document.MessageSent)
	}
	if !document.MessageSent[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("unexpected timestamp: %v", document.MessageSent[0].Timestamp)
	}
}

func TestHistoryRouteNotFoundAndBadRequest(t *testing.T) {
	srv := newTestServer(t, Config{})

	status, body := doRequest(t, srv, api.HistoryPath+"?userId=u1&coworkerId=nobody", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	var payload models.ErrorResponse
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message != notFoundMessage {
		t.Fatalf("unexpected not-found body %s (err=%v)", body, err)
	}

	status, _ = doRequest(t, srv, api.HistoryPath+"?userId=u1", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestTraceRouteReturnsBothDirections(t *testing.T) {
	srv := newTestServer(t, Config{})
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	seedMessage(t, srv, "e2", "e1", "to e1", base)
	seedMessage(t, srv, "e1", "e2", "to e2", base.Add(time.Second))
	seedMessage(t, srv, "x", "e1", "unrelated", base)

	status, body := doRequest(t, srv, api.TracePath+"?employeeId1=e1&employeeId2=e2", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	var documents []models.ChatDocument
	if err := json.Unmarshal(body, &documents); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(documents) != 2 {
		t.Fatalf("expected two documents, got %d", len(documents))
	}
	if documents[0].UserID != "e1" || len(documents[0].MessageReceived) != 1 || documents[0].MessageReceived[0].Text != "to e1" {
		t.Fatalf("unexpected first document: %+v", documents[0])
	}
	if documents[1].UserID != "e2" || len(documents[1].MessageReceived) != 1 || documents[1].MessageReceived[0].Text != "to e2" {
		t.Fatalf("unexpected second document: %+v", documents[1])
	}

	transcript := chat.MergeTrace("e1", "e2", documents)
	if len(transcript) != 2 || transcript[0].Text != "to e1" || transcript[1].ReceivedBy != "e2" {
		t.Fatalf("unexpected merged transcript: %+v", transcript)
	}
}

func TestAccessTokenIsEnforced(t *testing.T) {
	srv := newTestServer(t, Config{AccessToken: "secret"})

	status, _ := doRequest(t, srv, api.HistoryPath+"?userId=u1&coworkerId=c1", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}

	status, _ = doRequest(t, srv, api.HistoryPath+"?userId=u1&coworkerId=c1", http.Header{
		"Authorization": {"Bearer wrong"},
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", status)
	}

	status, _ = doRequest(t, srv, api.HistoryPath+"?userId=u1&coworkerId=c1", http.Header{
		"Authorization": {"Bearer secret"},
	})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 with valid token, got %d", status)
	}
}

func TestSocketRouteRequiresUpgrade(t *testing.T) {
	srv := newTestServer(t, Config{})

	status, _ := doRequest(t, srv, "/socket?userId=u1", nil)
	if status != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", status)
	}
}

func TestAcceptValidation(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		message models.OutboundMessage
		want    error
	}{
		{name: "blank text", message: models.OutboundMessage{SenderID: "u1", ReceiverID: "c1", MessageText: "  "}, want: errEmptyText},
		{name: "missing receiver", message: models.OutboundMessage{SenderID: "u1", MessageText: "x"}, want: errMissingReceiver},
		{name: "spoofed sender", message: models.OutboundMessage{SenderID: "c1", ReceiverID: "u1", MessageText: "x"}, want: errSenderMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := srv.accept(ctx, "u1", tc.message); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	stored, err := srv.accept(ctx, "u1", models.OutboundMessage{ReceiverID: "c1", MessageText: "implicit sender"})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if stored.SenderID != "u1" || stored.ID == "" || stored.SentAt.IsZero() {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
}

func TestSocketRejectsInvalidFrames(t *testing.T) {
	_, baseURL := startTestServer(t, Config{})

	socketURL, err := transport.SocketURL(baseURL, "u1")
	if err != nil {
		t.Fatalf("SocketURL failed: %v", err)
	}
	conn, _, err := fastws.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	frames := []string{
		`not json`,
		`{"event":"typing","data":{}}`,
		`{"event":"sendMessage","data":{"senderId":"u1","receiverId":"c1","messageText":""}}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(fastws.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var envelope models.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if envelope.Event != EventError {
			t.Fatalf("expected error event for %q, got %q", frame, envelope.Event)
		}
	}
}

func TestEndToEndConversation(t *testing.T) {
	srv, baseURL := startTestServer(t, Config{AccessToken: "secret"})
	quiet := log.New(io.Discard, "", 0)

	history, err := api.NewClient(api.Config{BaseURL: baseURL, AccessToken: "secret", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	connect := func(userID string) *transport.Client {
		client, err := transport.Connect(context.Background(), transport.Config{
			BaseURL:     baseURL,
			UserID:      userID,
			AccessToken: "secret",
			Logger:      quiet,
		})
		if err != nil {
			t.Fatalf("transport.Connect %s failed: %v", userID, err)
		}
		t.Cleanup(func() {
			_ = client.Close()
		})
		return client
	}
	aliceLink := connect("alice")
	bobLink := connect("bob")

	waitForCondition(t, 2*time.Second, func() bool {
		return srv.Hub().ConnectionCount("alice") == 1 && srv.Hub().ConnectionCount("bob") == 1
	})

	open := func(local, peer string, link *transport.Client) *chat.Session {
		session, err := chat.Open(context.Background(), chat.Options{
			LocalUserID: local,
			PeerUserID:  peer,
			History:     history,
			Transport:   link,
			Logger:      quiet,
		})
		if err != nil {
			t.Fatalf("chat.Open %s failed: %v", local, err)
		}
		t.Cleanup(session.Close)
		return session
	}

	alice := open("alice", "bob", aliceLink)
	bob := open("bob", "alice", bobLink)

	waitForCondition(t, 2*time.Second, func() bool {
		return alice.State() == chat.StateNoHistory && bob.State() == chat.StateNoHistory
	})

	if err := alice.Send(context.Background(), "  hello bob  "); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return len(alice.View()) == 1 && len(bob.View()) == 1
	})
	if got := alice.View()[0]; got.Text != "hello bob" || got.Direction != models.DirectionSent {
		t.Fatalf("unexpected alice view: %+v", got)
	}
	if got := bob.View()[0]; got.Text != "hello bob" || got.Direction != models.DirectionReceived {
		t.Fatalf("unexpected bob view: %+v", got)
	}

	alice.Close()
	reopened := open("alice", "bob", aliceLink)
	waitForCondition(t, 2*time.Second, func() bool {
		return reopened.State() == chat.StateReady
	})
	view := reopened.View()
	if len(view) != 1 || view[0].Text != "hello bob" || view[0].Direction != models.DirectionSent {
		t.Fatalf("expected history to contain the sent message, got %+v", view)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestRosterAndLocationRoutesThroughClient(t *testing.T) {
	srv, baseURL := startTestServer(t, Config{
		AccessToken: "secret",
		Employees: []models.Employee{
			{ID: "b1", Name: "Boss", Role: models.RoleBoss},
			{ID: "e1", Name: "Ann", Role: "employee"},
		},
	})

	client, err := api.NewClient(api.Config{BaseURL: baseURL, AccessToken: "secret", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()

	if err := client.ReportLocation(ctx, models.LocationReport{UserID: "e2", Latitude: 48.85, Longitude: 2.35}); err != nil {
		t.Fatalf("ReportLocation failed: %v", err)
	}
	if err := client.ReportLocation(ctx, models.LocationReport{UserID: "e2", Latitude: 48.86, Longitude: 2.36, LatitudeDelta: 0.01, LongitudeDelta: 0.02}); err != nil {
		t.Fatalf("second ReportLocation failed: %v", err)
	}

	latest, found, err := srv.store.LatestLocation(ctx, "e2")
	if err != nil || !found {
		t.Fatalf("LatestLocation failed: found=%v err=%v", found, err)
	}
	if latest.Latitude != 48.86 || latest.LongitudeDelta != 0.02 {
		t.Fatalf("expected most recent report, got %+v", latest)
	}

	employees, err := client.ListEmployees(ctx)
	if err != nil {
		t.Fatalf("ListEmployees failed: %v", err)
	}
	ids := make(map[string]models.Employee, len(employees))
	for _, employee := range employees {
		ids[employee.ID] = employee
	}
	if len(ids) != 3 {
		t.Fatalf("expected seeded employees plus the reporter, got %+v", employees)
	}
	if ids["b1"].Role != models.RoleBoss || ids["e1"].Name != "Ann" {
		t.Fatalf("seeded employees not returned intact: %+v", employees)
	}
	if ids["e2"].Name != "e2" {
		t.Fatalf("expected reporter registered under its ID, got %+v", ids["e2"])
	}

	roster := chat.Roster(employees, "e1")
	if len(roster) != 2 || roster[0].ID != "b1" {
		t.Fatalf("unexpected roster order: %+v", roster)
	}
	pairs := chat.TracePairs(employees, "e1")
	if len(pairs) != 2 {
		t.Fatalf("expected two trace pairs, got %+v", pairs)
	}
}

func TestCreateLocationRejectsInvalidReports(t *testing.T) {
	srv := newTestServer(t, Config{})

	for _, body := range []string{
		`not json`,
		`{"latitude":1,"longitude":1}`,
		`{"userId":"u1","latitude":95,"longitude":1}`,
	} {
		req := httptest.NewRequest(http.MethodPost, api.LocationPath, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.app.Test(req, 2000)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, resp.StatusCode)
		}
	}

	if _, found, err := srv.store.LatestLocation(context.Background(), "u1"); err != nil || found {
		t.Fatalf("expected nothing stored, found=%v err=%v", found, err)
	}
}
