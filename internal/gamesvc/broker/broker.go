package broker

import (
	"context"
	"time"

	"github.com/avvvet/crash-services/internal/comm"
	"github.com/avvvet/crash-services/internal/gamesvc/engine"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// commandTimeout bounds one player command end to end.
const commandTimeout = 10 * time.Second

type Game interface {
	Current(ctx context.Context) (comm.RoundState, error)
	PlaceBet(ctx context.Context, address string, amount decimal.Decimal) (*models.Bet, error)
	CashOut(ctx context.Context, betID int64) (*models.Bet, error)
}

type Publisher interface {
	Publish(subject string, data []byte) error
}

type Broker struct {
	Conn *nats.Conn
	pub  Publisher
	game Game
}

func NewBroker(nc *nats.Conn, game Game) *Broker {
	return &Broker{Conn: nc, pub: nc, game: game}
}

// SetGame attaches the engine once it exists; the broker is created first
// because the engine publishes through it.
func (b *Broker) SetGame(game Game) {
	b.game = game
}

// PublishState fans a round snapshot out to every socket service.
func (b *Broker) PublishState(state comm.RoundState) {
	b.publish(comm.GameStateUpdate, state)
}

func (b *Broker) PublishHistory(history []*models.GameHistory) {
	b.publish(comm.HistoryUpdate, history)
}

func (b *Broker) publish(msgType string, v interface{}) {
	payload, err := encode(msgType, v, "")
	if err != nil {
		log.Errorf("unable to marshal %s: %s", msgType, err)
		return
	}
	if err := b.pub.Publish(comm.TopicGameService, payload); err != nil {
		log.Errorf("Error publishing %s to topic %s: %s", msgType, comm.TopicGameService, err)
	}
}

func encode(msgType string, v interface{}, socketId string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&comm.WSMessage{Type: msgType, Data: data, SocketId: socketId})
}

// handles request coming from socket
func (b *Broker) handleCommand(msgNat *nats.Msg) {
	reply := b.dispatch(msgNat.Data)
	if msgNat.Reply == "" {
		log.Warn("command without reply subject dropped")
		return
	}
	if err := msgNat.Respond(reply); err != nil {
		log.Errorf("Error responding to command: %s", err)
	}
}

// dispatch runs one player command and returns the encoded reply.
func (b *Broker) dispatch(raw []byte) []byte {
	msg := &comm.WSMessage{}
	if err := json.Unmarshal(raw, msg); err != nil {
		log.Errorf("Error nats message %s", err)
		return b.errorReply(&engine.Error{Kind: engine.KindValidation, Reason: "invalid_message"}, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	logger := log.WithFields(log.Fields{"type": msg.Type, "socket": msg.SocketId})

	switch msg.Type {
	case comm.PlaceBet:
		var request comm.PlaceBetRequest
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return b.errorReply(&engine.Error{Kind: engine.KindValidation, Reason: engine.ReasonInvalidAmount, Err: err}, msg.SocketId)
		}
		bet, err := b.game.PlaceBet(ctx, request.Address, request.Amount)
		if err != nil {
			logger.Debugf("bet rejected: %s", err)
			return b.errorReply(err, msg.SocketId)
		}
		return b.reply(comm.BetPlaced, bet, msg.SocketId)

	case comm.CashOut:
		var request comm.CashOutRequest
		if err := json.Unmarshal(msg.Data, &request); err != nil || request.BetId <= 0 {
			return b.errorReply(&engine.Error{Kind: engine.KindNotFound, Reason: engine.ReasonBetNotFound, Err: err}, msg.SocketId)
		}
		bet, err := b.game.CashOut(ctx, request.BetId)
		if err != nil {
			logger.Debugf("cashout rejected: %s", err)
			return b.errorReply(err, msg.SocketId)
		}
		return b.reply(comm.CashOutSuccess, bet, msg.SocketId)

	case comm.GetState:
		st, err := b.game.Current(ctx)
		if err != nil {
			return b.errorReply(err, msg.SocketId)
		}
		return b.reply(comm.GameStateUpdate, st, msg.SocketId)
	}

	logger.Error("Unknown message")
	return b.errorReply(&engine.Error{Kind: engine.KindValidation, Reason: "unknown_command"}, msg.SocketId)
}

func (b *Broker) reply(msgType string, v interface{}, socketId string) []byte {
	payload, err := encode(msgType, v, socketId)
	if err != nil {
		log.Errorf("unable to marshal %s reply: %s", msgType, err)
		return b.errorReply(err, socketId)
	}
	return payload
}

// errorReply never leaks unclassified errors to players.
func (b *Broker) errorReply(err error, socketId string) []byte {
	kind := engine.KindOf(err)
	ce := comm.CommandError{Code: kind.String(), Reason: engine.ReasonOf(err)}
	if kind != 0 {
		ce.Message = err.Error()
	} else {
		log.Errorf("command failed: %s", err)
		ce.Message = "internal error"
	}
	payload, mErr := encode(comm.Error, ce, socketId)
	if mErr != nil {
		log.Errorf("unable to marshal error reply: %s", mErr)
	}
	return payload
}

// consume commands from socket services, one member of the group answers
func (b *Broker) QueueSubscribeCommands(queueGroup string) (*nats.Subscription, error) {
	sub, err := b.Conn.QueueSubscribe(comm.TopicGameCommand, queueGroup, b.handleCommand)
	if err != nil {
		return nil, err
	}

	return sub, nil
}
