// Package messaging wraps open transport channels with framing, ids, and
// typed send failures. Control messages (capability advertisements, file
// transfer traffic) and application frames share one ordered channel per
// peer.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/mesh"
	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
	"github.com/rudransh-shrivastava/mesh-it/internal/transport"
)

var (
	// ErrNoConnection means no transport channel exists for the peer.
	ErrNoConnection = errors.New("no connection to peer")

	// ErrChannelNotOpen means the channel exists but is not usable yet.
	ErrChannelNotOpen = errors.New("channel to peer not open")

	// ErrSendFailed wraps an underlying write failure.
	ErrSendFailed = errors.New("send failed")
)

type Config struct {
	// OpenWait is the single bounded wait granted to a send hitting a
	// channel that is still opening.
	OpenWait time.Duration
	Logger   *logrus.Logger
}

// Messenger sends and receives framed messages over established
// connections. Callers such as the file transfer engine implement their own
// retry; this layer never retries beyond the one open-wait.
type Messenger struct {
	state  *mesh.MeshState
	codec  *protocol.Codec
	cfg    Config
	logger *logrus.Logger

	mu         sync.Mutex
	onFrame    func(peerID string, frame protocol.DataFrame)
	onCaps     func(peerID string, caps protocol.PeerCapabilities)
	onFileMsg  func(peerID string, msg protocol.Message)
	pumping    map[string]struct{}
}

func NewMessenger(state *mesh.MeshState, cfg Config) *Messenger {
	if cfg.OpenWait == 0 {
		cfg.OpenWait = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Messenger{
		state:   state,
		codec:   protocol.NewCodec(),
		cfg:     cfg,
		logger:  cfg.Logger,
		pumping: make(map[string]struct{}),
	}
}

// OnFrame registers the handler for application frames.
func (m *Messenger) OnFrame(fn func(peerID string, frame protocol.DataFrame)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// OnCapabilities registers the handler for capability advertisements.
func (m *Messenger) OnCapabilities(fn func(peerID string, caps protocol.PeerCapabilities)) {
	m.mu.Lock()
	m.onCaps = fn
	m.mu.Unlock()
}

// OnFileMessage registers the handler for file transfer control and chunk
// messages.
func (m *Messenger) OnFileMessage(fn func(peerID string, msg protocol.Message)) {
	m.mu.Lock()
	m.onFileMsg = fn
	m.mu.Unlock()
}

// Send frames payload and writes it to the peer's channel. On success it
// returns the generated message id.
func (m *Messenger) Send(peerID string, payload []byte) (string, error) {
	frame := &protocol.DataFrame{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Data:      payload,
	}
	if err := m.SendControl(peerID, frame); err != nil {
		return "", err
	}
	return frame.ID, nil
}

// SendControl writes a protocol message to the peer's channel with the
// same failure taxonomy as Send.
func (m *Messenger) SendControl(peerID string, msg protocol.Message) error {
	conn := m.lookup(peerID)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, peerID)
	}

	if conn.ChannelState() != transport.ChannelOpen {
		// One bounded wait before giving up; channels usually open
		// within a round trip of the transport connecting.
		time.Sleep(m.cfg.OpenWait)
		if conn.ChannelState() != transport.ChannelOpen {
			return fmt.Errorf("%w: %s", ErrChannelNotOpen, peerID)
		}
	}

	data, err := m.codec.EncodeToBytes(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrSendFailed, err)
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// BroadcastAdvertisement sends this peer's capabilities to every connected
// peer. Implements the capability manager's broadcast path.
func (m *Messenger) BroadcastAdvertisement(caps protocol.PeerCapabilities) {
	ad := &protocol.CapabilityAdvertisement{Capabilities: caps}
	for _, peerID := range m.state.ConnectedPeers() {
		if err := m.SendControl(peerID, ad); err != nil {
			m.logger.Warnf("Failed to advertise to %s: %v", peerID, err)
		}
	}
}

// AttachPeer starts the receive pump for a newly usable peer connection.
// The pump exits when the channel closes. Attaching twice is a no-op while
// the first pump runs.
func (m *Messenger) AttachPeer(peerID string) {
	conn := m.lookup(peerID)
	if conn == nil {
		m.logger.Warnf("Cannot attach %s: no connection", peerID)
		return
	}

	m.mu.Lock()
	if _, running := m.pumping[peerID]; running {
		m.mu.Unlock()
		return
	}
	m.pumping[peerID] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.pumping, peerID)
			m.mu.Unlock()
		}()

		for data := range conn.Recv() {
			m.dispatch(peerID, data)
		}
		m.logger.Debugf("Receive pump for %s stopped", peerID)
	}()
}

func (m *Messenger) dispatch(peerID string, data []byte) {
	msg, err := m.codec.DecodeFromBytes(data)
	if err != nil {
		// Partial or corrupt data under an unreliable edge must never
		// crash the receiver; drop it.
		m.logger.Warnf("Dropping malformed message from %s: %v", peerID, err)
		return
	}

	m.mu.Lock()
	onFrame := m.onFrame
	onCaps := m.onCaps
	onFileMsg := m.onFileMsg
	m.mu.Unlock()

	switch msg := msg.(type) {
	case *protocol.DataFrame:
		if onFrame != nil {
			onFrame(peerID, *msg)
		}
	case *protocol.CapabilityAdvertisement:
		if onCaps != nil {
			onCaps(peerID, msg.Capabilities)
		}
	case *protocol.FileTransferRequest, *protocol.FileTransferResponse,
		*protocol.FileMetadata, *protocol.FileChunk,
		*protocol.FileComplete, *protocol.FileCancel:
		if onFileMsg != nil {
			onFileMsg(peerID, msg)
		}
	default:
		m.logger.Warnf("Dropping unexpected %s message from %s", msg.Type(), peerID)
	}
}

func (m *Messenger) lookup(peerID string) transport.Conn {
	rec := m.state.Get(peerID)
	if rec == nil {
		return nil
	}
	return rec.Conn
}
