package blipws

import (
	"net/http"
	"time"

	"litecore/internal/liteerr"

	"github.com/gorilla/websocket"
)

// DefaultConnectTimeout is the WebSocket upgrade timeout
// ("open WebSocket, arm 30 s timeout").
const DefaultConnectTimeout = 30 * time.Second

// wsTransport adapts a gorilla/websocket connection (the concrete transport
// the pack carries: erigon and go-ethereum both speak gorilla/websocket) to
// the Transport seam. Masking direction follows the connection's role:
// client connections are client-masked, accepted ones server-masked.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsTransport) Close(status int, reason string) error {
	deadline := time.Now().Add(5 * time.Second) // graceful-close grace period
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(status, reason), deadline)
	return w.conn.Close()
}

// Dial opens a client-masked WebSocket to url. A refused upgrade surfaces
// the HTTP status as a WebSocket-domain error.
func Dial(url string, header http.Header, timeout time.Duration) (Transport, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			return nil, liteerr.WSClosed(resp.StatusCode, "WebSocket upgrade refused by %s", url)
		}
		return nil, liteerr.Wrap(liteerr.UnknownHost, err, "dial %s", url)
	}
	return &wsTransport{conn: conn}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade accepts an incoming WebSocket upgrade (server-masked side).
func Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, liteerr.Wrap(liteerr.IOError, err, "upgrade from %s", r.RemoteAddr)
	}
	return &wsTransport{conn: conn}, nil
}
