package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cachecoord/pkg/kv"
	"cachecoord/pkg/kv/memory"
	"cachecoord/pkg/kv/mock"
	metricsmem "cachecoord/pkg/metrics/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type inbox struct {
	mu  sync.Mutex
	got []Notification
}

func (b *inbox) add(n Notification) {
	b.mu.Lock()
	b.got = append(b.got, n)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func newStore(t *testing.T, now func() time.Time) *memory.Store {
	t.Helper()
	s := memory.New(memory.Config{Now: now})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSend_PersistsIndexesAndPublishes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newStore(t, clock.Now)
	bus := mock.NewBus()
	collector := metricsmem.NewCollector()
	m := New(store, bus, Config{Now: clock.Now}, collector, nil)

	n, err := m.Send(ctx, Notification{RecipientID: "u1", Title: "Hello", Type: TypeWarning})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if n.ID == "" || n.Status != StatusUnread || n.Priority != PriorityNormal {
		t.Errorf("defaults not filled: %+v", n)
	}
	if !n.ExpiresAt.Equal(clock.Now().Add(DefaultRetention)) {
		t.Errorf("expected 30 day retention, got %v", n.ExpiresAt)
	}

	ttl, err := store.TTL(ctx, recordKey(n.ID))
	if err != nil || ttl != DefaultRetention {
		t.Errorf("record ttl = %v, %v", ttl, err)
	}
	for _, index := range []string{UserIndexKey("u1"), TypeIndexKey(TypeWarning)} {
		if members, _ := store.ZRange(ctx, index, 0, -1); len(members) != 1 || members[0] != n.ID {
			t.Errorf("%s: expected [%s], got %v", index, n.ID, members)
		}
	}

	msgs := bus.PublishedOn(ChannelFor("u1"))
	if len(msgs) != 1 {
		t.Fatalf("expected one message on the user channel, got %d", len(msgs))
	}
	var wire Notification
	if err := json.Unmarshal(msgs[0].Payload, &wire); err != nil || wire.ID != n.ID {
		t.Errorf("unexpected payload: %s (%v)", msgs[0].Payload, err)
	}

	if len(bus.PublishedOn(ChannelBroadcast)) != 1 {
		t.Error("user notifications should be mirrored on the broadcast channel")
	}

	if _, err := m.Send(ctx, Notification{RecipientID: SystemRecipient, Title: "Maintenance"}); err != nil {
		t.Fatalf("broadcast Send failed: %v", err)
	}
	if len(bus.PublishedOn(ChannelBroadcast)) != 2 {
		t.Error("system notifications should go to the broadcast channel")
	}
	if got := collector.Snapshot().Notifications; got["warning"] != 1 || got["info"] != 1 {
		t.Errorf("unexpected notification metrics: %v", got)
	}
}

func TestSend_Validation(t *testing.T) {
	m := New(newStore(t, nil), nil, Config{}, nil, nil)
	tests := []struct {
		name string
		n    Notification
		want error
	}{
		{"no recipient", Notification{Title: "x"}, ErrInvalidNotification},
		{"no title", Notification{RecipientID: "u1"}, ErrInvalidNotification},
		{"glob recipient", Notification{RecipientID: "u*", Title: "x"}, kv.ErrInvalidKey},
		{"expired", Notification{RecipientID: "u1", Title: "x", ExpiresAt: time.Now().Add(-time.Minute)}, ErrInvalidNotification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Send(context.Background(), tt.n); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSend_FailuresPropagate(t *testing.T) {
	store := mock.NewStore()
	store.FailUnavailable()
	m := New(store, nil, Config{}, nil, nil)
	if _, err := m.Send(context.Background(), Notification{RecipientID: "u1", Title: "x"}); !kv.IsUnavailable(err) {
		t.Errorf("expected store failure, got %v", err)
	}

	bus := mock.NewBus()
	bus.Fail(kv.BusUnavailable(errors.New("down")))
	m = New(mock.NewStore(), bus, Config{}, nil, nil)
	n, err := m.Send(context.Background(), Notification{RecipientID: "u1", Title: "x"})
	if !kv.IsUnavailable(err) {
		t.Errorf("expected bus failure, got %v", err)
	}
	if _, err := m.Get(context.Background(), n.ID); err != nil {
		t.Errorf("notification should stay stored after a publish failure: %v", err)
	}
}

func TestCreateAndSend(t *testing.T) {
	ctx := context.Background()
	m := New(newStore(t, nil), nil, Config{}, nil, nil)

	n, err := m.CreateAndSend(ctx, "u1", "importer", TemplateImportComplete, map[string]string{
		"count": "42", "file": "people.csv", "importId": "imp-7",
	})
	if err != nil {
		t.Fatalf("CreateAndSend failed: %v", err)
	}
	if n.Title != "Import complete" || n.Message != "Imported 42 records from people.csv." {
		t.Errorf("unexpected rendering: %q / %q", n.Title, n.Message)
	}
	if n.ActionURL != "/imports/imp-7" || n.Type != TypeSuccess || n.SenderID != "importer" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if n.Data["template"] != TemplateImportComplete || n.Data["count"] != "42" {
		t.Errorf("vars should be attached as data: %v", n.Data)
	}

	if _, err := m.CreateAndSend(ctx, "u1", "", "nope", nil); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("expected ErrUnknownTemplate, got %v", err)
	}

	m.RegisterTemplate("custom", Template{Type: TypeInfo, Title: "Hi {who}", Message: "{missing} stays"})
	n, err = m.CreateAndSend(ctx, "u1", "", "custom", map[string]string{"who": "Bo"})
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "Hi Bo" || n.Message != "{missing} stays" {
		t.Errorf("unexpected custom rendering: %q / %q", n.Title, n.Message)
	}
}

func TestDefaultTemplates(t *testing.T) {
	templates := defaultTemplates()
	for _, name := range []string{
		TemplateSystemUpdate, TemplateWelcome, TemplateImportComplete, TemplateImportFailed,
		TemplateEntityCreated, TemplateRateLimitExceeded, TemplateSystemError,
		TemplateBackupReminder, TemplateReportReady,
	} {
		tpl, ok := templates[name]
		if !ok {
			t.Errorf("missing template %s", name)
			continue
		}
		if tpl.Title == "" || tpl.Type == "" || tpl.Priority == "" {
			t.Errorf("%s is incomplete: %+v", name, tpl)
		}
	}
}

func sendN(t *testing.T, m *Manager, clock *fakeClock, recipient string, n int, typ Type) []Notification {
	t.Helper()
	out := make([]Notification, 0, n)
	for i := 0; i < n; i++ {
		sent, err := m.Send(context.Background(), Notification{RecipientID: recipient, Title: "t", Type: typ})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		out = append(out, sent)
		clock.Advance(time.Second)
	}
	return out
}

func TestGetUserNotifications(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := New(newStore(t, nil), nil, Config{Now: clock.Now}, nil, nil)

	sent := sendN(t, m, clock, "u1", 5, TypeInfo)
	sent = append(sent, sendN(t, m, clock, "u1", 2, TypeError)...)
	sendN(t, m, clock, "u2", 1, TypeInfo)
	if _, err := m.MarkAsRead(ctx, sent[6].ID, "u1"); err != nil {
		t.Fatal(err)
	}

	page, err := m.GetUserNotifications(ctx, "u1", Query{Limit: 3})
	if err != nil {
		t.Fatalf("GetUserNotifications failed: %v", err)
	}
	if len(page) != 3 || page[0].ID != sent[6].ID || page[2].ID != sent[4].ID {
		t.Fatalf("expected newest three, got %v", ids(page))
	}

	page, _ = m.GetUserNotifications(ctx, "u1", Query{Limit: 3, Offset: 6})
	if len(page) != 1 || page[0].ID != sent[0].ID {
		t.Errorf("expected the oldest on the last page, got %v", ids(page))
	}

	page, _ = m.GetUserNotifications(ctx, "u1", Query{Limit: 10, Type: TypeError})
	if len(page) != 2 {
		t.Errorf("expected 2 error notifications, got %d", len(page))
	}

	page, _ = m.GetUserNotifications(ctx, "u1", Query{Limit: 10, UnreadOnly: true})
	if len(page) != 6 {
		t.Errorf("expected 6 unread, got %d", len(page))
	}

	page, _ = m.GetUserNotifications(ctx, "u1", Query{Limit: 10, Status: StatusRead})
	if len(page) != 1 || page[0].ID != sent[6].ID {
		t.Errorf("expected the read notification, got %v", ids(page))
	}

	clock.Advance(DefaultRetention)
	page, _ = m.GetUserNotifications(ctx, "u1", Query{})
	if len(page) != 0 {
		t.Errorf("expired notifications must not be returned, got %d", len(page))
	}
}

func ids(ns []Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestMarkAsRead_Permissions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := New(newStore(t, clock.Now), nil, Config{Now: clock.Now}, nil, nil)

	n, _ := m.Send(ctx, Notification{RecipientID: "u1", Title: "secret"})

	if _, err := m.MarkAsRead(ctx, n.ID, "intruder"); !errors.Is(err, kv.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	got, _ := m.Get(ctx, n.ID)
	if got.Status != StatusUnread {
		t.Errorf("denied change must leave status unread, got %s", got.Status)
	}

	clock.Advance(time.Minute)
	read, err := m.MarkAsRead(ctx, n.ID, "u1")
	if err != nil || read.Status != StatusRead || read.ReadAt == nil {
		t.Fatalf("recipient should mark read: %+v %v", read, err)
	}
	again, err := m.MarkAsRead(ctx, n.ID, "u1")
	if err != nil || !again.ReadAt.Equal(*read.ReadAt) {
		t.Errorf("marking twice should be a no-op: %+v %v", again, err)
	}

	if _, err := m.Archive(ctx, n.ID, SystemRecipient); err != nil {
		t.Errorf("system actor may change any notification: %v", err)
	}
	if ttl, _ := m.store.TTL(ctx, recordKey(n.ID)); ttl != DefaultRetention-time.Minute {
		t.Errorf("updates should keep the original expiry, ttl=%v", ttl)
	}

	if _, err := m.MarkAsRead(ctx, "missing", "u1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAndCounts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := New(newStore(t, clock.Now), nil, Config{Now: clock.Now}, nil, nil)

	sent := sendN(t, m, clock, "u1", 3, TypeInfo)
	m.Send(ctx, Notification{RecipientID: "u1", Title: "urgent", Type: TypeError, Priority: PriorityUrgent})

	if err := m.Delete(ctx, sent[0].ID, "u2"); !errors.Is(err, kv.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
	if err := m.Delete(ctx, sent[0].ID, "u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Delete(ctx, sent[0].ID, "u1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("second delete should be not found, got %v", err)
	}
	if members, _ := m.store.ZRange(ctx, TypeIndexKey(TypeInfo), 0, -1); len(members) != 2 {
		t.Errorf("type index should drop the deleted id, got %v", members)
	}

	if n, _ := m.UnreadCount(ctx, "u1"); n != 3 {
		t.Errorf("expected 3 unread, got %d", n)
	}

	st, err := m.Stats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.ByType[TypeError] != 1 || st.ByPriority[PriorityUrgent] != 1 || st.ByPriority[PriorityNormal] != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}

	changed, err := m.MarkAllAsRead(ctx, "u1")
	if err != nil || changed != 3 {
		t.Errorf("expected 3 changed, got %d %v", changed, err)
	}
	if n, _ := m.UnreadCount(ctx, "u1"); n != 0 {
		t.Errorf("expected 0 unread, got %d", n)
	}
}

func TestSubscribe_FanOutAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	store := newStore(t, nil)

	sender := New(store, hub.Connect(), Config{}, nil, nil)
	receiver := New(store, hub.Connect(), Config{}, nil, nil)
	t.Cleanup(func() { sender.Close(); receiver.Close() })

	var user, other, broadcast inbox
	unsubUser, err := receiver.Subscribe(ctx, "u1", user.add)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := receiver.Subscribe(ctx, "u1", func(Notification) { panic("bad subscriber") }); err != nil {
		t.Fatal(err)
	}
	receiver.Subscribe(ctx, "u2", other.add)
	receiver.Subscribe(ctx, SystemRecipient, broadcast.add)

	if _, err := sender.Send(ctx, Notification{RecipientID: "u1", Title: "for u1"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if user.len() != 1 || broadcast.len() != 1 || other.len() != 0 {
		t.Errorf("after user send: user=%d broadcast=%d other=%d", user.len(), broadcast.len(), other.len())
	}

	if _, err := sender.Send(ctx, Notification{RecipientID: SystemRecipient, Title: "everyone"}); err != nil {
		t.Fatal(err)
	}
	if user.len() != 1 || broadcast.len() != 2 {
		t.Errorf("after broadcast: user=%d broadcast=%d", user.len(), broadcast.len())
	}

	// A redelivered message is dropped.
	payload, _ := json.Marshal(user.got[0])
	hub.Connect().Publish(ctx, ChannelFor("u1"), payload)
	if user.len() != 1 {
		t.Errorf("duplicate delivery should be suppressed, got %d", user.len())
	}

	unsubUser()
	unsubUser()
	if receiver.Subscribers() != 3 {
		t.Errorf("expected 3 subscribers left, got %d", receiver.Subscribers())
	}
}

func TestSubscribe_BroadcastSeesOtherProcessUsers(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	store := newStore(t, nil)

	sender := New(store, hub.Connect(), Config{}, nil, nil)
	watcher := New(store, hub.Connect(), Config{}, nil, nil)
	t.Cleanup(func() { sender.Close(); watcher.Close() })

	var all inbox
	if _, err := watcher.Subscribe(ctx, SystemRecipient, all.add); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	n, err := sender.Send(ctx, Notification{RecipientID: "42", Title: "for 42"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if all.len() != 1 || all.got[0].ID != n.ID {
		t.Fatalf("broadcast subscriber got %d deliveries, want the user-42 notification once", all.len())
	}

	// A process watching both the user and broadcast channels gets one copy each.
	var user, both inbox
	watcher.Subscribe(ctx, "42", user.add)
	watcher.Subscribe(ctx, SystemRecipient, both.add)
	if _, err := sender.Send(ctx, Notification{RecipientID: "42", Title: "again"}); err != nil {
		t.Fatal(err)
	}
	if user.len() != 1 || both.len() != 1 || all.len() != 2 {
		t.Errorf("user=%d both=%d all=%d, want 1 1 2", user.len(), both.len(), all.len())
	}
}

func TestSubscribe_LocalDeliveryWithoutBus(t *testing.T) {
	ctx := context.Background()
	m := New(newStore(t, nil), nil, Config{}, nil, nil)

	var box inbox
	unsub, _ := m.Subscribe(ctx, "u1", box.add)
	m.Send(ctx, Notification{RecipientID: "u1", Title: "a"})
	unsub()
	m.Send(ctx, Notification{RecipientID: "u1", Title: "b"})

	if box.len() != 1 {
		t.Errorf("expected exactly one delivery, got %d", box.len())
	}
}

func TestCleanupExpiredNotifications(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newStore(t, nil)
	m := New(store, nil, Config{Now: clock.Now, Retention: time.Hour}, nil, nil)

	old := sendN(t, m, clock, "u1", 2, TypeInfo)
	clock.Advance(30 * time.Minute)
	fresh, _ := m.Send(ctx, Notification{RecipientID: "u1", Title: "fresh"})
	store.Set(ctx, recordKey("garbage"), []byte("{not json"), 0)

	clock.Advance(40 * time.Minute)
	removed, err := m.CleanupExpiredNotifications(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredNotifications failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 2 expired and 1 corrupt removed, got %d", removed)
	}
	for _, n := range old {
		if _, err := store.Get(ctx, recordKey(n.ID)); !errors.Is(err, kv.ErrKeyNotFound) {
			t.Errorf("%s should be deleted, got %v", n.ID, err)
		}
	}
	if members, _ := store.ZRange(ctx, UserIndexKey("u1"), 0, -1); len(members) != 1 || members[0] != fresh.ID {
		t.Errorf("index should only keep the fresh id, got %v", members)
	}
}
