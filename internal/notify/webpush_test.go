package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"

	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

// Боевое хранилище обязано подходить диспетчеру без адаптеров.
var _ SubscriptionStore = (*pgorders.Storage)(nil)

type fakeSubStore struct {
	mu      sync.Mutex
	subs    []models.PushSubscription
	deleted []uint64
}

func (s *fakeSubStore) ListPushSubscriptions(ctx context.Context) ([]models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PushSubscription{}, s.subs...), nil
}

func (s *fakeSubStore) DeletePushSubscription(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

// Браузерная сторона подписки: точка P-256 в несжатом виде плюс auth-секрет.
func clientKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	authBytes := make([]byte, 16)
	_, err = rand.Read(authBytes)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(authBytes)
}

func TestDispatcher_Broadcast(t *testing.T) {
	vapidPriv, vapidPub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	var okCalls, goneCalls int
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		okCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		goneCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p1, a1 := clientKeys(t)
	p2, a2 := clientKeys(t)
	p3, a3 := clientKeys(t)
	store := &fakeSubStore{subs: []models.PushSubscription{
		{ID: 1, AdminID: "admin-1", Endpoint: srv.URL + "/ok", P256dh: p1, Auth: a1},
		{ID: 2, AdminID: "admin-2", Endpoint: srv.URL + "/gone", P256dh: p2, Auth: a2},
		{ID: 3, AdminID: "admin-3", Endpoint: srv.URL + "/ok", P256dh: p3, Auth: a3},
	}}

	d := NewDispatcher(store, "mailto:ops@bongomart.example", vapidPub, vapidPriv, 60)
	outcomes, err := d.Broadcast(context.Background(), map[string]string{
		"order_id": "o-1",
		"status":   "SHIPPED",
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byID := map[uint64]Outcome{}
	for _, o := range outcomes {
		byID[o.SubscriptionID] = o
	}

	// Живые подписки получили уведомление, мёртвая не помешала остальным.
	require.True(t, byID[1].Delivered)
	require.True(t, byID[3].Delivered)
	require.False(t, byID[2].Delivered)
	require.True(t, byID[2].Removed)
	require.Equal(t, []uint64{2}, store.deleted)
	require.Equal(t, 2, okCalls)
	require.Equal(t, 1, goneCalls)
}

func TestDispatcher_Broadcast_NoSubscriptions(t *testing.T) {
	vapidPriv, vapidPub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	d := NewDispatcher(&fakeSubStore{}, "mailto:ops@bongomart.example", vapidPub, vapidPriv, 0)
	outcomes, err := d.Broadcast(context.Background(), map[string]string{"x": "y"})
	require.NoError(t, err)
	require.Empty(t, outcomes)
}
