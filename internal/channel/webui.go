package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/kasumi/internal/bus"
	"github.com/stellarlinkco/kasumi/internal/config"
)

//go:embed static
var staticFiles embed.FS

const webUIChannelName = "webui"

// Frame types exchanged with the browser.
const (
	wsTypeMessage    = "message"
	wsTypeTyping     = "typing"
	wsTypeTypingStop = "typing_stop"
)

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

type WebUIChannel struct {
	BaseChannel
	port     int
	server   *http.Server
	listener net.Listener
	clients  sync.Map
	nextID   atomic.Int64
	ctx      context.Context
}

func NewWebUIChannel(cfg config.WebUIConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := cfg.Port
	if port < 0 {
		return nil, fmt.Errorf("invalid webui port %d", port)
	}

	ch := &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		port:        port,
		ctx:         context.Background(),
	}
	return ch, nil
}

// Handler serves the static page and the /ws endpoint.
func (w *WebUIChannel) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", w.handleWS)
	return mux, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	handler, err := w.Handler()
	if err != nil {
		return err
	}
	w.ctx = ctx

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", w.port))
	if err != nil {
		return fmt.Errorf("listen webui: %w", err)
	}
	w.listener = ln
	w.server = &http.Server{Handler: handler}

	go func() {
		log.Printf("[webui] listening on %s", ln.Addr())
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[webui] server error: %v", err)
		}
	}()

	return nil
}

// Addr is the bound listen address once started.
func (w *WebUIChannel) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	log.Printf("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type != wsTypeMessage || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		if !w.IsAllowed(clientID) {
			log.Printf("[webui] rejected message from %s", clientID)
			continue
		}

		name := strings.TrimSpace(msg.Name)
		if name == "" {
			name = clientID
		}
		w.publish(r.Context(), bus.InboundMessage{
			Channel:    webUIChannelName,
			SenderID:   clientID,
			SenderName: name,
			ChatID:     clientID,
			Content:    msg.Content,
			Timestamp:  time.Now(),
		})
	}
}

func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	return w.deliver(msg.ChatID, wsMessage{Type: wsTypeMessage, Content: msg.Content})
}

// StartTyping shows the indicator in one browser tab until stop is called.
func (w *WebUIChannel) StartTyping(ctx context.Context, chatID string) (func(), error) {
	if _, ok := w.clients.Load(chatID); !ok {
		return nil, fmt.Errorf("webui client %s not connected", chatID)
	}
	if err := w.deliver(chatID, wsMessage{Type: wsTypeTyping}); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := w.deliver(chatID, wsMessage{Type: wsTypeTypingStop}); err != nil {
				log.Printf("[webui] stop typing for %s: %v", chatID, err)
			}
		})
	}, nil
}

// deliver writes frame to chatID, or to every client when chatID is unknown.
func (w *WebUIChannel) deliver(chatID string, frame wsMessage) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	client, ok := w.clients.Load(chatID)
	if !ok {
		// Broadcast to all clients if no specific target
		w.clients.Range(func(key, value any) bool {
			c := value.(*wsClient)
			ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
			defer cancel()
			_ = c.write(ctx, data)
			return true
		})
		return nil
	}

	c := client.(*wsClient)
	ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
	defer cancel()
	return c.write(ctx, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
