/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmmedia/internal/bpool"
	"stash.kopano.io/kwm/kwmmedia/internal/colibri"
	"stash.kopano.io/kwm/kwmmedia/internal/utils"
)

const (
	websocketMaxMessageSize = 1048576 // 100 KiB, this is what kwmserver uses.

	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 60 * time.Second
)

// Channel states. Reconnecting is only ever entered by websocket backed
// channels, data channels are lifecycle bound to their peer connection.
const (
	channelStateNew          = "new"
	channelStateConnecting   = "connecting"
	channelStateOpen         = "open"
	channelStateReconnecting = "reconnecting"
	channelStateClosed       = "closed"
)

const (
	channelEventConnect = "connect"
	channelEventOpen    = "open"
	channelEventRetry   = "retry"
	channelEventClose   = "close"
)

type bridgeChannelOptions struct {
	dataChannel engineDataChannel
	url         string

	httpClient       *http.Client
	participantCount func() int
	logger           logrus.FieldLogger
}

// BridgeChannel is the low latency control channel towards the bridge,
// transporting colibri tagged JSON messages. It is backed by exactly one
// transport, either a negotiated data channel riding the peer connection
// or a dedicated websocket. Only the websocket flavor reconnects on
// transport loss.
type BridgeChannel struct {
	deadlock.RWMutex

	logger logrus.FieldLogger

	dataChannel engineDataChannel
	url         string

	httpClient       *http.Client
	participantCount func() int

	machine  *fsm.FSM
	shutdown bool

	wsCtx    context.Context
	wsCancel context.CancelFunc
	ws       *websocket.Conn

	retryDelay     time.Duration
	retryTimer     *time.Timer
	retriesEnabled bool

	closedNotified bool

	onOpen   func()
	onEvent  func(event colibri.Event)
	onClosed func(err error)
}

func newBridgeChannel(options bridgeChannelOptions) (*BridgeChannel, error) {
	if options.dataChannel != nil && options.url != "" {
		return nil, errors.New("both data channel and websocket url provided")
	}
	if options.dataChannel == nil && options.url == "" {
		return nil, errors.New("either data channel or websocket url is required")
	}

	channel := &BridgeChannel{
		logger: options.logger,

		dataChannel: options.dataChannel,
		url:         options.url,

		httpClient:       options.httpClient,
		participantCount: options.participantCount,

		retryDelay:     initialRetryDelay,
		retriesEnabled: options.url != "",
	}

	channel.machine = fsm.NewFSM(
		channelStateNew,
		fsm.Events{
			{Name: channelEventConnect, Src: []string{channelStateNew, channelStateClosed, channelStateReconnecting}, Dst: channelStateConnecting},
			{Name: channelEventOpen, Src: []string{channelStateConnecting}, Dst: channelStateOpen},
			{Name: channelEventRetry, Src: []string{channelStateClosed}, Dst: channelStateReconnecting},
			{Name: channelEventClose, Src: []string{channelStateNew, channelStateConnecting, channelStateOpen, channelStateReconnecting}, Dst: channelStateClosed},
		},
		fsm.Callbacks{},
	)

	if dataChannel := channel.dataChannel; dataChannel != nil {
		channel.transition(channelEventConnect)
		dataChannel.OnOpen(func() {
			channel.handleOpen()
		})
		dataChannel.OnClose(func() {
			channel.handleDataChannelClose(dataChannel)
		})
		dataChannel.OnError(func(err error) {
			channel.logger.WithError(err).Warnln("bridge channel data channel error")
		})
		dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
			channel.handleMessage(message.Data)
		})
	}

	return channel, nil
}

// State returns the current channel state.
func (channel *BridgeChannel) State() string {
	return channel.machine.Current()
}

// Transport returns the transport flavor backing this channel.
func (channel *BridgeChannel) Transport() string {
	if channel.dataChannel != nil {
		return "datachannel"
	}
	return "websocket"
}

// URL returns the websocket endpoint, empty for data channel transports.
func (channel *BridgeChannel) URL() string {
	return channel.url
}

// IsOpen reports whether messages can be sent right now.
func (channel *BridgeChannel) IsOpen() bool {
	return channel.machine.Current() == channelStateOpen
}

// OnOpen registers the handler invoked whenever the channel (re)opens.
func (channel *BridgeChannel) OnOpen(handler func()) {
	channel.Lock()
	defer channel.Unlock()
	channel.onOpen = handler
}

// OnEvent registers the handler for decoded incoming events.
func (channel *BridgeChannel) OnEvent(handler func(event colibri.Event)) {
	channel.Lock()
	defer channel.Unlock()
	channel.onEvent = handler
}

// OnClosed registers the handler invoked when the transport is lost. It
// fires on the first loss only and is armed again once the channel is
// open, individual retries do not fire it.
func (channel *BridgeChannel) OnClosed(handler func(err error)) {
	channel.Lock()
	defer channel.Unlock()
	channel.onClosed = handler
}

// Connect starts the websocket transport. It is a no-op when a connect is
// already in progress or the channel is open, and fails for data channel
// backed channels which connect through negotiation instead.
func (channel *BridgeChannel) Connect(ctx context.Context) error {
	channel.Lock()
	if channel.url == "" {
		channel.Unlock()
		return errors.New("bridge channel has no websocket url")
	}
	if channel.shutdown {
		channel.Unlock()
		return ErrClosed
	}
	switch channel.machine.Current() {
	case channelStateConnecting, channelStateOpen:
		channel.Unlock()
		channel.logger.Debugln("bridge channel connect skipped, already connecting")
		return nil
	case channelStateReconnecting:
		channel.Unlock()
		channel.logger.Debugln("bridge channel connect skipped, reconnect pending")
		return nil
	}
	wsCtx, wsCancel := context.WithCancel(ctx)
	channel.wsCtx = wsCtx
	channel.wsCancel = wsCancel
	channel.transitionLocked(channelEventConnect)
	channel.Unlock()

	go channel.dial(wsCtx)
	return nil
}

func (channel *BridgeChannel) dial(ctx context.Context) {
	uri, err := utils.AsWebsocketURL(channel.url)
	if err != nil {
		channel.logger.WithError(err).Errorln("failed to parse bridge channel url")
		channel.handleSocketClose(nil, err)
		return
	}

	ws, _, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
		HTTPClient: channel.httpClient,
	})
	if err != nil {
		channel.logger.WithError(err).Warnln("bridge channel connect failed")
		channel.handleSocketClose(nil, err)
		return
	}
	ws.SetReadLimit(websocketMaxMessageSize)

	channel.Lock()
	if channel.shutdown {
		channel.Unlock()
		_ = ws.Close(websocket.StatusGoingAway, "")
		return
	}
	channel.ws = ws
	channel.Unlock()

	channel.handleOpen()
	channel.readPump(ctx, ws)
}

func (channel *BridgeChannel) readPump(ctx context.Context, ws *websocket.Conn) {
	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = ws.Reader(ctx)
		if err != nil {
			channel.handleSocketClose(ws, err)
			return
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			channel.handleSocketClose(ws, err)
			return
		}

		switch mt {
		case websocket.MessageText:
		default:
			channel.logger.WithField("message_type", mt).Warnln("bridge channel received unknown websocket message type")
			bpool.Put(b)
			continue
		}

		channel.handleMessage(b.Bytes())
		bpool.Put(b)
	}
}

func (channel *BridgeChannel) handleMessage(data []byte) {
	event, err := colibri.Decode(data)
	if err != nil {
		channel.logger.WithError(err).Errorln("bridge channel message parse error")
		return
	}

	channel.RLock()
	handler := channel.onEvent
	channel.RUnlock()
	if handler != nil {
		handler(event)
	}
}

func (channel *BridgeChannel) handleOpen() {
	channel.Lock()
	if channel.shutdown {
		channel.Unlock()
		return
	}
	channel.transitionLocked(channelEventOpen)
	channel.retryDelay = initialRetryDelay
	channel.retriesEnabled = channel.url != ""
	channel.closedNotified = false
	handler := channel.onOpen
	channel.Unlock()

	channel.logger.Infoln("bridge channel open")
	if handler != nil {
		handler()
	}
}

// handleSocketClose processes the loss of a websocket transport. Close
// events of transports which were replaced already are ignored.
func (channel *BridgeChannel) handleSocketClose(ws *websocket.Conn, err error) {
	channel.Lock()
	if ws != nil && channel.ws != ws {
		channel.Unlock()
		channel.logger.Debugln("bridge channel close of stale transport ignored")
		return
	}
	channel.ws = nil
	channel.transitionLocked(channelEventClose)
	shutdown := channel.shutdown
	channel.Unlock()

	if shutdown || errors.Is(err, context.Canceled) {
		return
	}

	status := websocket.CloseStatus(err)
	if status == websocket.StatusGoingAway && channel.countParticipants() == 1 {
		// The bridge went away while this endpoint is the only one
		// left, the session is over.
		channel.logger.WithField("status_code", status).Debugln("bridge channel closed gracefully, not reconnecting")
		channel.notifyClosed(err)
		return
	}

	if err != nil {
		channel.logger.WithError(err).WithField("status_code", status).Warnln("bridge channel closed, reconnecting")
	}
	channel.notifyClosed(err)
	channel.scheduleReconnect()
}

// notifyClosed invokes the registered closed handler, at most once per
// loss of an open transport.
func (channel *BridgeChannel) notifyClosed(err error) {
	channel.Lock()
	if channel.closedNotified {
		channel.Unlock()
		return
	}
	channel.closedNotified = true
	handler := channel.onClosed
	channel.Unlock()

	if handler != nil {
		handler(err)
	}
}

// handleDataChannelClose processes the close of the data channel
// transport. Data channels ride the peer connection, they are not
// reconnected from here.
func (channel *BridgeChannel) handleDataChannelClose(dataChannel engineDataChannel) {
	channel.Lock()
	if channel.dataChannel != dataChannel {
		channel.Unlock()
		channel.logger.Debugln("bridge channel close of stale transport ignored")
		return
	}
	channel.dataChannel = nil
	channel.transitionLocked(channelEventClose)
	shutdown := channel.shutdown
	channel.Unlock()

	channel.logger.Debugln("bridge channel data channel closed")
	if !shutdown {
		channel.notifyClosed(nil)
	}
}

func (channel *BridgeChannel) countParticipants() int {
	if channel.participantCount == nil {
		return 0
	}
	return channel.participantCount()
}

func (channel *BridgeChannel) scheduleReconnect() {
	channel.Lock()
	if channel.shutdown || channel.url == "" {
		channel.Unlock()
		return
	}
	if !channel.retriesEnabled || channel.machine.Current() != channelStateClosed {
		// A retry is already pending, close events must not stack
		// additional timers on top of it.
		channel.Unlock()
		channel.logger.Debugln("bridge channel reconnect already pending")
		return
	}
	channel.retriesEnabled = false
	channel.transitionLocked(channelEventRetry)
	delay := channel.retryDelay
	channel.retryDelay = nextRetryDelay(delay)
	channel.retryTimer = time.AfterFunc(delay, channel.reconnect)
	channel.Unlock()

	channel.logger.WithField("delay", delay).Infoln("bridge channel scheduling reconnect")
}

func (channel *BridgeChannel) reconnect() {
	channel.Lock()
	if channel.shutdown {
		channel.Unlock()
		return
	}
	channel.retriesEnabled = true
	switch channel.machine.Current() {
	case channelStateConnecting, channelStateOpen:
		channel.Unlock()
		channel.logger.Debugln("bridge channel reconnect skipped, already connecting")
		return
	}
	ctx := channel.wsCtx
	channel.transitionLocked(channelEventConnect)
	channel.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	channel.dial(ctx)
}

func nextRetryDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > maxRetryDelay {
		next = maxRetryDelay
	}
	return next
}

// SendMessage encodes and sends one message over the active transport.
func (channel *BridgeChannel) SendMessage(message interface{}) error {
	channel.RLock()
	if channel.machine.Current() != channelStateOpen {
		channel.RUnlock()
		return ErrNoOpenedChannel
	}
	dataChannel := channel.dataChannel
	ws := channel.ws
	ctx := channel.wsCtx
	channel.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode bridge channel message: %w", err)
	}

	if dataChannel != nil {
		return dataChannel.Send(data)
	}
	if ws == nil {
		return ErrNoOpenedChannel
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// SendLastN announces how many video streams this endpoint wants to
// receive at most.
func (channel *BridgeChannel) SendLastN(lastN int) error {
	return channel.SendMessage(colibri.NewLastNChangedMessage(lastN))
}

// SendReceiverVideoConstraints announces the full receive constraint set.
func (channel *BridgeChannel) SendReceiverVideoConstraints(constraints *colibri.ReceiverVideoConstraintsMessage) error {
	return channel.SendMessage(constraints)
}

// SendReceiverAudioSubscription announces the wanted audio source set.
func (channel *BridgeChannel) SendReceiverAudioSubscription(mode string, list []string) error {
	return channel.SendMessage(colibri.NewReceiverAudioSubscriptionMessage(mode, list))
}

// SendEndpointMessage transports an application payload to the endpoint
// given by to, or to all endpoints when to is empty.
func (channel *BridgeChannel) SendEndpointMessage(to string, payload json.RawMessage) error {
	return channel.SendMessage(colibri.NewEndpointMessage(to, payload))
}

// SendEndpointStats transports endpoint statistics to the bridge.
func (channel *BridgeChannel) SendEndpointStats(stats map[string]interface{}) error {
	return channel.SendMessage(colibri.NewEndpointStatsMessage(stats))
}

// SendSourceVideoType announces a video type change of a local source.
func (channel *BridgeChannel) SendSourceVideoType(sourceName, videoType string) error {
	return channel.SendMessage(colibri.NewSourceVideoTypeMessage(sourceName, videoType))
}

func (channel *BridgeChannel) transition(event string) {
	if err := channel.machine.Event(context.Background(), event); err != nil {
		channel.logger.WithError(err).WithField("event", event).Debugln("bridge channel state transition skipped")
	}
}

// transitionLocked fires a state machine event while the channel mutex is
// held. The machine carries its own lock, the name only marks call sites
// which already serialized access to the surrounding fields.
func (channel *BridgeChannel) transitionLocked(event string) {
	channel.transition(event)
}

// Close shuts the channel down for good. It is idempotent and stops any
// pending reconnect.
func (channel *BridgeChannel) Close() error {
	channel.Lock()
	if channel.shutdown {
		channel.Unlock()
		return nil
	}
	channel.shutdown = true
	channel.transitionLocked(channelEventClose)
	ws := channel.ws
	channel.ws = nil
	dataChannel := channel.dataChannel
	channel.dataChannel = nil
	cancel := channel.wsCancel
	timer := channel.retryTimer
	channel.retryTimer = nil
	channel.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	if dataChannel != nil {
		if err := dataChannel.Close(); err != nil {
			return fmt.Errorf("failed to close bridge channel data channel: %w", err)
		}
	}
	return nil
}
