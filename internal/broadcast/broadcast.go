// Package broadcast рассылает события движка подписчикам по
// WebSocket: лучшее усилие доставки, медленные/мёртвые подписчики
// отбрасываются, а не блокируют остальных.
package broadcast

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType - тип события шины.
type EventType string

const (
	EventPositionUpdate EventType = "position_update"
	EventTradeExecuted  EventType = "trade_executed"
	EventOpportunity    EventType = "opportunity"
	EventEngineStatus   EventType = "engine_status"
	EventFundingRate    EventType = "funding_rate"
	EventAlert          EventType = "alert"
	EventHeartbeat      EventType = "heartbeat"
	EventError          EventType = "error"
)

// Event - конверт сообщения, рассылаемого всем подписчикам.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

var jsonBufferPool = sync.Pool{
	New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 512)) },
}

// subscriber - одно WebSocket-соединение с буферизованным каналом
// отправки; переполнение канала приводит к отключению, а не к
// блокировке шины.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Bus - шина рассылки событий движка подписчикам.
type Bus struct {
	upgrader websocket.Upgrader

	register   chan *subscriber
	unregister chan *subscriber
	publish    chan []byte

	mu   sync.RWMutex
	subs map[*subscriber]bool

	log *zap.Logger
}

// New создаёт шину рассылки.
func New(log *zap.Logger) *Bus {
	return &Bus{
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(r *http.Request) bool { return true }},
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		publish:    make(chan []byte, 256),
		subs:       make(map[*subscriber]bool),
		log:        log,
	}
}

// Run запускает основной цикл шины: регистрацию, отмену регистрации и
// рассылку. Блокирует вызывающую горутину и не возвращает управление.
func (b *Bus) Run() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case s := <-b.register:
			b.mu.Lock()
			b.subs[s] = true
			b.mu.Unlock()

		case s := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.send)
			}
			b.mu.Unlock()

		case msg := <-b.publish:
			b.mu.RLock()
			subs := make([]*subscriber, 0, len(b.subs))
			for s := range b.subs {
				subs = append(subs, s)
			}
			b.mu.RUnlock()

			var dead []*subscriber
			for _, s := range subs {
				select {
				case s.send <- msg:
				default:
					dead = append(dead, s)
				}
			}
			if len(dead) > 0 {
				b.mu.Lock()
				for _, s := range dead {
					if _, ok := b.subs[s]; ok {
						delete(b.subs, s)
						close(s.send)
					}
				}
				b.mu.Unlock()
			}

		case <-heartbeat.C:
			b.Publish(EventHeartbeat, nil)
		}
	}
}

// Publish кодирует событие и рассылает его всем подписчикам наилучшим
// усилием; медленные подписчики отбрасываются, а не замедляют остальных.
func (b *Bus) Publish(t EventType, data interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	event := Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
	encoded, err := json.Marshal(event)
	if err != nil {
		if b.log != nil {
			b.log.Error("не удалось закодировать событие шины", zap.Error(err))
		}
		return
	}

	select {
	case b.publish <- encoded:
	default:
		if b.log != nil {
			b.log.Warn("канал публикации переполнен, событие отброшено", zap.String("type", string(t)))
		}
	}
}

// ServeHTTP обновляет HTTP-соединение до WebSocket и регистрирует нового
// подписчика.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if b.log != nil {
			b.log.Error("не удалось обновить соединение до websocket", zap.Error(err))
		}
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, 32)}
	b.register <- s

	go b.writePump(s)
	go b.readPump(s)
}

func (b *Bus) writePump(s *subscriber) {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (b *Bus) readPump(s *subscriber) {
	defer func() {
		b.unregister <- s
		s.conn.Close()
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// SubscriberCount возвращает текущее число активных подписчиков.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
