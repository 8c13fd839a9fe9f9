package broker

import (
	"github.com/avvvet/crash-services/internal/comm"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink is the socket side of the broker.
type Sink interface {
	Broadcast(msgType string, payload []byte)
	SendTo(socketId string, payload []byte)
}

type Broker struct {
	Conn *nats.Conn
	sink Sink
}

func NewBroker(conn *nats.Conn, sink Sink) *Broker {
	return &Broker{
		Conn: conn,
		sink: sink,
	}
}

// consume messages from game service, every socket service gets all of them
func (b *Broker) Subscribe(topic string) (*nats.Subscription, error) {
	sub, err := b.Conn.Subscribe(topic, b.handleMessages)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) handleMessages(msgNats *nats.Msg) {
	b.route(msgNats.Data)
}

// route delivers a game service message, addressed ones go to their socket
// and the rest to everybody.
func (b *Broker) route(raw []byte) {
	message := &comm.WSMessage{}
	if err := json.Unmarshal(raw, message); err != nil {
		log.Errorf("Error %s", err)
		return
	}

	if message.SocketId != "" {
		b.sink.SendTo(message.SocketId, raw)
		return
	}

	switch message.Type {
	case comm.GameStateUpdate, comm.HistoryUpdate:
		b.sink.Broadcast(message.Type, raw)
	default:
		log.Errorf("Unknown message %s", message.Type)
	}
}
