package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/avvvet/crash-services/internal/comm"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait      = 5 * time.Second
	commandTimeout = 10 * time.Second
)

// Commander sends a player command to the game service and waits for the
// reply. *nats.Conn satisfies it.
type Commander interface {
	Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// client serializes writes, gorilla allows a single concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

type Ws struct {
	connMap   sync.Map // socketId -> *client
	lastState atomic.Value
	Commander Commander
}

func NewWs() *Ws {
	return &Ws{}
}

// handle socket message from web clients
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) {
	switch message.Type {
	case comm.PlaceBet, comm.CashOut, comm.GetState:
		s.forward(socketId, message)
	default:
		log.Warnf("unknown event received: %s", message.Type)
		s.SendError(socketId, comm.CommandError{Code: "validation_error", Reason: "unknown_command", Message: message.Type})
	}
}

// forward relays a command to the game service and hands the reply back to
// the socket it came from.
func (s *Ws) forward(socketId string, msg *comm.WSMessage) {
	msg.SocketId = socketId
	bytes, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to marshal WSMessage for NATS: %v", err)
		return
	}

	reply, err := s.Commander.Request(comm.TopicGameCommand, bytes, commandTimeout)
	if err != nil {
		log.WithFields(log.Fields{"socket": socketId, "type": msg.Type}).Errorf("game service request failed: %v", err)
		s.SendError(socketId, comm.CommandError{
			Code:    "external_service_error",
			Reason:  "game_unavailable",
			Message: "game service did not answer",
		})
		return
	}
	s.SendTo(socketId, reply.Data)
}

func (s *Ws) SendError(socketId string, ce comm.CommandError) {
	data, err := json.Marshal(ce)
	if err != nil {
		log.Errorf("unable to marshal command error: %v", err)
		return
	}
	payload, err := json.Marshal(&comm.WSMessage{Type: comm.Error, Data: data, SocketId: socketId})
	if err != nil {
		log.Errorf("unable to marshal error message: %v", err)
		return
	}
	s.SendTo(socketId, payload)
}

// Register stores a new socket and sends it the latest snapshot before any
// broadcast can reach it.
func (s *Ws) Register(socketId string, conn *websocket.Conn) {
	c := &client{conn: conn}
	c.mu.Lock()
	s.connMap.Store(socketId, c)
	last, _ := s.lastState.Load().([]byte)
	if last != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, last); err != nil {
			log.Warnf("unable to send snapshot to %s: %v", socketId, err)
		}
	}
	c.mu.Unlock()
}

func (s *Ws) HandleDisconnect(socketId string) {
	s.connMap.Delete(socketId)
}

func (s *Ws) SendTo(socketId string, payload []byte) {
	v, ok := s.connMap.Load(socketId)
	if !ok {
		return
	}
	if err := v.(*client).write(payload); err != nil {
		log.Warnf("write to socket %s failed: %v", socketId, err)
	}
}

// Broadcast writes payload to every socket. State updates are cached for
// sockets that connect later.
func (s *Ws) Broadcast(msgType string, payload []byte) {
	if msgType == comm.GameStateUpdate {
		s.lastState.Store(payload)
	}
	s.connMap.Range(func(key, value any) bool {
		if err := value.(*client).write(payload); err != nil {
			log.Warnf("broadcast to socket %s failed: %v", key, err)
		}
		return true
	})
}

func (s *Ws) Count() int {
	n := 0
	s.connMap.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}
