package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orderbookintel/internal/bookstate"
)

func TestParseDepthFrame(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","U":100,"u":105,"pu":99,"b":[["100.0","1.0"]],"a":[["101.0","1.0"]]}}`)
	event, ok := parseDepthFrame(raw)
	if !ok {
		t.Fatal("parseDepthFrame() ok = false, want true")
	}
	if event.FirstUpdateID != 100 || event.FinalUpdateID != 105 {
		t.Fatalf("event = %+v, want U=100 u=105", event)
	}
	if event.PrevFinalID == nil || *event.PrevFinalID != 99 {
		t.Fatalf("PrevFinalID = %v, want 99", event.PrevFinalID)
	}
}

func TestParseDepthFrameRejectsOtherEventTypes(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade"}}`)
	if _, ok := parseDepthFrame(raw); ok {
		t.Fatal("parseDepthFrame() ok = true for a non-depth frame, want false")
	}
}

func TestBinanceFeedRunStreamsParsedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","U":1,"u":2,"b":[["100.0","1.0"]],"a":[]}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewBinanceFeed("btcusdt", wsBase, zap.NewNop())

	out := make(chan bookstate.DepthEvent, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go f.Run(ctx, out)

	select {
	case event := <-out:
		if event.FirstUpdateID != 1 || event.FinalUpdateID != 2 {
			t.Fatalf("event = %+v, want U=1 u=2", event)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for depth event")
	}
}

func TestBinanceFeedReconnectsAfterDrop(t *testing.T) {
	var connCount int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&connCount, 1)
		frame := fmt.Sprintf(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","U":%d,"u":%d,"b":[],"a":[]}}`, n, n)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		// Close immediately so Run observes a read error and reconnects.
	}))
	defer srv.Close()

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewBinanceFeed("btcusdt", wsBase, zap.NewNop()).WithReconnectDelay(10 * time.Millisecond)

	out := make(chan bookstate.DepthEvent, 8)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go f.Run(ctx, out)

	seen := 0
	for seen < 2 {
		select {
		case <-out:
			seen++
		case <-ctx.Done():
			t.Fatalf("timed out after %d reconnect events, want at least 2", seen)
		}
	}
	if atomic.LoadInt32(&connCount) < 2 {
		t.Fatalf("connCount = %d, want at least 2 (Run should redial after a drop)", connCount)
	}
}

func TestSyntheticFeedReplaysEventsInOrder(t *testing.T) {
	events := []bookstate.DepthEvent{
		{FirstUpdateID: 1, FinalUpdateID: 2},
		{FirstUpdateID: 3, FinalUpdateID: 4},
	}
	f := &SyntheticFeed{Events: events}

	out := make(chan bookstate.DepthEvent, len(events))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go f.Run(ctx, out)

	for i, want := range events {
		select {
		case got := <-out:
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("event %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
