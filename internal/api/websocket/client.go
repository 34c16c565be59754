package websocket

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	id     *uuid.UUID
	socket *websocket.Conn
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	return client.socket.WriteJSON(message)
}

// Drain consumes (and discards) inbound frames until the connection
// errors or closes. The activity stream is one-way, but the read loop
// must keep running for the websocket close handshake and ping/pong
// control frames to be processed.
func (client *socketClient) Drain() error {
	for {
		if _, _, err := client.socket.NextReader(); err != nil {
			return err
		}
	}
}

// Close will close this clients socket.
func (client *socketClient) Close() {
	client.socket.Close()
}
