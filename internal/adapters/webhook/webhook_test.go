package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"telegram-promoter/internal/adapters/webhook"
	"telegram-promoter/internal/domain/promo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNotifierEmptyTemplate(t *testing.T) {
	assert.Nil(t, webhook.NewNotifier(""))
	assert.Nil(t, webhook.NewNotifier("   "))
}

func TestNotifierDelivers(t *testing.T) {
	got := make(chan *url.URL, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got <- r.URL
	}))
	defer srv.Close()

	n := webhook.NewNotifier(srv.URL +
		"/notify?kind={kind}&mobile={mobile}&channel={channel}&variant={variant}&detail={detail}")
	require.NotNil(t, n)

	n.Notify(context.Background(), promo.Event{
		Kind:      promo.EventChannelBanned,
		Mobile:    "79001",
		ChannelID: "1234",
		Variant:   "0",
		Detail:    "canary deleted",
	})

	select {
	case u := <-got:
		q := u.Query()
		assert.Equal(t, "channel_banned", q.Get("kind"))
		assert.Equal(t, "79001", q.Get("mobile"))
		assert.Equal(t, "1234", q.Get("channel"))
		assert.Equal(t, "0", q.Get("variant"))
		assert.Equal(t, "canary deleted", q.Get("detail"))
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNotifierSurvivesServerErrors(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := webhook.NewNotifier(srv.URL + "/notify?kind={kind}")
	require.NotNil(t, n)

	// Доставка best-effort: сбой вебхука не должен попадать к вызывающему.
	n.Notify(context.Background(), promo.Event{Kind: promo.EventVariantRemoved, Mobile: "79001"})

	select {
	case <-hits:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNewBannedListEmptyURL(t *testing.T) {
	assert.Nil(t, webhook.NewBannedList(""))
	assert.Nil(t, webhook.NewBannedList("  "))
}

func TestBannedListFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`["-100555", " 666 ", "777"]`))
	}))
	defer srv.Close()

	list := webhook.NewBannedList(srv.URL)
	require.NotNil(t, list)

	ids, err := list.BannedChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"555", "666", "777"}, ids, "идентификаторы нормализованы")
}

func TestBannedListStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	list := webhook.NewBannedList(srv.URL)
	_, err := list.BannedChannels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "answered 503")
}

func TestBannedListDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	list := webhook.NewBannedList(srv.URL)
	_, err := list.BannedChannels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode banned list")
}

func TestBannedListUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	list := webhook.NewBannedList(target)
	_, err := list.BannedChannels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch banned list")
}
