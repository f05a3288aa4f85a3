package bridge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketStreamJoinsSplitRunes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewWebSocketStream(conn)
		s.Write([]byte("caf\xc3"))
		s.Write([]byte("\xa9 \xff!"))
		s.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		got = append(got, string(data))
	}
	if strings.Join(got, "") != "café !" {
		t.Errorf("received %q", got)
	}
	if len(got) != 2 || got[0] != "caf" {
		t.Errorf("messages = %q, want [\"caf\" \"é !\"]", got)
	}
}

func TestWebSocketStreamReadEndsOnClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	result := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewWebSocketStream(conn)
		defer s.Close()

		var msgs []string
		for {
			p, err := s.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				msgs = append(msgs, "error: "+err.Error())
				break
			}
			msgs = append(msgs, string(p))
		}
		result <- msgs
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.WriteMessage(websocket.TextMessage, []byte("print(1)\n"))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	defer conn.Close()

	select {
	case msgs := <-result:
		if len(msgs) != 1 || msgs[0] != "print(1)\n" {
			t.Errorf("messages = %q", msgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe close")
	}
}
