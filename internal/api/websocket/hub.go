// Package websocket manages the activity stream socket: upgrading HTTP
// requests, tracking connected clients, and broadcasting controller
// activity to all of them.
package websocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loftmedia/autolog/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

// SocketHub is responsible for websocket upgrading, client lifecycle,
// and pushing messages out to connected clients. All client mutation
// happens on the hub goroutine via the register/deregister channels.
type SocketHub struct {
	upgrader           *websocket.Upgrader
	clients            []*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	connectionCallback func() map[string]any
	running            bool
}

func New() *SocketHub {
	return &SocketHub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		running: false,
	}
}

// WithConnectionCallback sets a callback that will be executed each time a new client
// connects to this socketHub. This allows the client to be furnished with a payload
// of the servers current state, without having to wait for an UPDATE packet from the
// server (which may never come if the content does not change).
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]any) {
	hub.connectionCallback = callback
}

// Start begins the socket hub by listening on all related channels
// for incoming clients and messages. Blocks until the context is
// cancelled.
func (hub *SocketHub) Start(ctx context.Context) {
	if hub.running {
		socketLogger.Warnf("Attempting to start socketHub when already running! Ignoring request.\n")
		return
	} else if ctx.Err() != nil {
		socketLogger.Warnf("Refusing to start socket hub as provided context is already cancelled\n")
		return
	}
	socketLogger.Infof("Opening SocketHub!\n")

	hub.sendCh = make(chan *SocketMessage)
	hub.registerCh = make(chan *socketClient)
	hub.deregisterCh = make(chan *socketClient)
	hub.clients = make([]*socketClient, 0)
	hub.running = true

	defer hub.close()
loop:
	for {
		select {
		case message := <-hub.sendCh:
			if message.Target != nil {
				if _, client := hub.findClient(message.Target); client != nil {
					if err := client.SendMessage(message); err != nil {
						socketLogger.Errorf("Failed to send message to target {%v}: %v\n", message.Target, err.Error())
					}
				} else {
					socketLogger.Warnf("Attempted to send message to target {%v}, but no matching client was found.\n", message.Target)
				}

				break
			}

			hub.broadcastMessage(message)
		case client := <-hub.registerCh:
			if idx, _ := hub.findClient(client.id); idx > -1 {
				socketLogger.Errorf("Attempted to register client that is already registered (duplicate uuid)! Illegal!\n")
				client.Close()

				break
			}

			hub.clients = append(hub.clients, client)
			socketLogger.Infof("Registered new client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				socketLogger.Debugf("Deregistered client {%v}\n", client.id)

				break
			}

			socketLogger.Warnf("Attempted to deregister unknown client {%v}\n", client.id)
		case <-ctx.Done():
			socketLogger.Infof("Shutting down socket hub! Closing all clients.\n")
			break loop
		}
	}
}

// Send accepts a socket message and will emit this message on
// the send channel - message is ignored if hub is not running (see Start()).
// A message provided that has a Target will only be sent to the client with
// a matching ID.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running {
		socketLogger.Debugf("Attempted to send message via socket hub, however the hub is offline. Ignoring message.\n")
		return
	}

	hub.sendCh <- message
}

// UpgradeToSocket upgrades a given HTTP request to a websocket and adds
// the new client to the hub. Blocks for the lifetime of the connection.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running {
		socketLogger.Errorf("Failed to upgrade incoming HTTP request to a websocket: SocketHub has not been started!\n")
		return
	}

	// Generate the UUID first - doing it after means we've already
	// upgraded the connection by the time a failure surfaces.
	id, err := uuid.NewRandom()
	if err != nil {
		socketLogger.Errorf("Failed to generate UUID for new connection - aborting!\n")
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Errorf("Failed to upgrade incoming HTTP request to a websocket: %v\n", err.Error())
		return
	}

	client := &socketClient{
		id:     &id,
		socket: sock,
	}

	hub.registerCh <- client

	// Furnish the new client with the controller's current state so it
	// does not have to wait for the next activity update.
	body := map[string]any{}
	if hub.connectionCallback != nil {
		body = hub.connectionCallback()
	}
	body["client"] = id

	hub.Send(&SocketMessage{
		Title:  "CONNECTION_ESTABLISHED",
		Body:   body,
		Target: &id,
		Type:   Welcome,
	})

	// Ensure the client is deregistered once its drain loop closes,
	// whether that was a clean disconnect or an error.
	defer func() {
		hub.deregisterCh <- client
		client.Close()
	}()

	if err := client.Drain(); err != nil {
		socketLogger.Debugf("Client {%v} closed: %v\n", client.id, err.Error())
	}
}

// close deregisters and closes all connected clients and sockets.
func (hub *SocketHub) close() {
	if !hub.running {
		return
	}

	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	hub.running = false
	socketLogger.Infof("Socket hub is now closed!\n")
}

// findClient returns a socketClient with the matching uuid if
// one can be found - if not, nil is returned. Additionally, the index
// of the client inside of the client list is returned as well.
func (hub *SocketHub) findClient(id *uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx, client
		}
	}

	return -1, nil
}

// broadcastMessage sends the provided message to every connected
// client.
func (hub *SocketHub) broadcastMessage(message *SocketMessage) {
	for _, client := range hub.clients {
		if err := client.SendMessage(message); err != nil {
			socketLogger.Errorf("Failed to broadcast to client {%v}: %v\n", client.id, err.Error())
		}
	}
}
