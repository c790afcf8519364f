// Package rendezvous implements the lightweight relay peers use to find
// each other and exchange session descriptions, plus the client side that
// peers embed. The relay never sees data channel traffic.
package rendezvous

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
)

type ServerConfig struct {
	Addr   string
	DBPath string

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	Logger           *logrus.Logger
}

func (c *ServerConfig) withDefaults() {
	if c.Addr == "" {
		c.Addr = ":9595"
	}
	if c.DBPath == "" {
		c.DBPath = "rendezvous.sqlite3"
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

type session struct {
	peerID string
	roomID uint
	room   string
	conn   net.Conn
	stream *protocol.Stream

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

type Server struct {
	cfg      ServerConfig
	logger   *logrus.Logger
	listener net.Listener
	store    *Store

	mu       sync.Mutex
	sessions map[string]*session            // by peer id
	rooms    map[string]map[string]*session // room name -> peer id -> session
	lastSeen map[string]time.Time
}

func NewServer(cfg ServerConfig) (*Server, error) {
	cfg.withDefaults()

	db, err := NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		listener: listener,
		store:    NewStore(db),
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]*session),
		lastSeen: make(map[string]time.Time),
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Shutdown() error {
	s.logger.Infof("Shutting down rendezvous server")
	err := s.listener.Close()

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	return err
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Rendezvous server listening on %s", s.Addr())
	go s.runSweeper(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn owns one peer connection for its lifetime. The first message
// must be a join; everything after is heartbeats and signaling relay.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	stream := protocol.NewStream(conn)

	msg, err := stream.Recv()
	if err != nil {
		s.logger.Debugf("Dropping connection from %s before join: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	join, validJoin := msg.(*protocol.JoinRoom)
	if !validJoin || join.RoomID == "" {
		s.logger.Warnf("First message from %s was %s, expected join", conn.RemoteAddr(), msg.Type())
		_ = conn.Close()
		return
	}

	sess := &session{
		peerID: uuid.NewString(),
		room:   join.RoomID,
		conn:   conn,
		stream: stream,
	}

	if err := s.register(sess); err != nil {
		s.logger.Warnf("Failed to register %s: %v", sess.peerID, err)
		_ = conn.Close()
		return
	}
	defer s.leave(sess)

	s.logger.Infof("Peer %s joined room %s from %s", sess.peerID, sess.room, conn.RemoteAddr())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := stream.Recv()
		if err != nil {
			s.logger.Debugf("Peer %s read failed: %v", sess.peerID, err)
			return
		}
		s.handleMessage(sess, msg)
	}
}

// register assigns the peer its id, announces it to the room, and replies
// with the current participant list.
func (s *Server) register(sess *session) error {
	room, err := s.store.EnsureRoom(sess.room)
	if err != nil {
		return err
	}
	sess.roomID = room.ID
	if err := s.store.AddParticipant(room.ID, sess.peerID); err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[sess.peerID] = sess
	if s.rooms[sess.room] == nil {
		s.rooms[sess.room] = make(map[string]*session)
	}
	others := make([]string, 0, len(s.rooms[sess.room]))
	peers := make([]*session, 0, len(s.rooms[sess.room]))
	for peerID, other := range s.rooms[sess.room] {
		others = append(others, peerID)
		peers = append(peers, other)
	}
	s.rooms[sess.room][sess.peerID] = sess
	s.lastSeen[sess.peerID] = time.Now()
	s.mu.Unlock()

	if err := sess.stream.Send(&protocol.Welcome{PeerID: sess.peerID}); err != nil {
		return err
	}
	if err := sess.stream.Send(&protocol.RoomParticipants{Participants: others}); err != nil {
		return err
	}

	joined := &protocol.PeerJoined{PeerID: sess.peerID}
	for _, other := range peers {
		if err := other.stream.Send(joined); err != nil {
			s.logger.Debugf("Failed to announce %s to %s: %v", sess.peerID, other.peerID, err)
		}
	}
	return nil
}

func (s *Server) leave(sess *session) {
	s.mu.Lock()
	if _, live := s.sessions[sess.peerID]; !live {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.peerID)
	delete(s.lastSeen, sess.peerID)
	delete(s.rooms[sess.room], sess.peerID)
	remaining := make([]*session, 0, len(s.rooms[sess.room]))
	for _, other := range s.rooms[sess.room] {
		remaining = append(remaining, other)
	}
	if len(s.rooms[sess.room]) == 0 {
		delete(s.rooms, sess.room)
	}
	s.mu.Unlock()

	sess.close()
	if err := s.store.RemoveParticipant(sess.peerID); err != nil {
		s.logger.Warnf("Failed to remove participant %s: %v", sess.peerID, err)
	}

	s.logger.Infof("Peer %s left room %s", sess.peerID, sess.room)
	left := &protocol.PeerLeft{PeerID: sess.peerID}
	for _, other := range remaining {
		if err := other.stream.Send(left); err != nil {
			s.logger.Debugf("Failed to announce departure of %s to %s: %v", sess.peerID, other.peerID, err)
		}
	}
}

func (s *Server) handleMessage(sess *session, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.Heartbeat:
		s.mu.Lock()
		s.lastSeen[sess.peerID] = time.Now()
		s.mu.Unlock()
		if err := s.store.TouchParticipant(sess.peerID, time.Now()); err != nil {
			s.logger.Debugf("Failed to touch participant %s: %v", sess.peerID, err)
		}
	case *protocol.Offer:
		forwarded := *msg
		forwarded.From = sess.peerID
		s.forward(sess, msg.Target, &forwarded)
	case *protocol.Answer:
		forwarded := *msg
		forwarded.From = sess.peerID
		s.forward(sess, msg.Target, &forwarded)
	case *protocol.IceCandidate:
		forwarded := *msg
		forwarded.From = sess.peerID
		s.forward(sess, msg.Target, &forwarded)
	default:
		s.logger.Warnf("Unhandled message type %s from %s", msg.Type(), sess.peerID)
	}
}

// forward relays a signaling message to its target, same room only.
func (s *Server) forward(from *session, target string, msg protocol.Message) {
	s.mu.Lock()
	dest, live := s.sessions[target]
	s.mu.Unlock()

	if !live || dest.room != from.room {
		s.logger.Debugf("Dropping %s from %s: target %s not in room", msg.Type(), from.peerID, target)
		return
	}
	if err := dest.stream.Send(msg); err != nil {
		s.logger.Debugf("Failed to forward %s to %s: %v", msg.Type(), target, err)
	}
}

// runSweeper evicts peers whose heartbeats stopped. Closing the connection
// unwinds the peer's handleConn, which does the actual leave.
func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.HeartbeatTimeout)

			s.mu.Lock()
			var stale []*session
			for peerID, seen := range s.lastSeen {
				if seen.Before(cutoff) {
					if sess, live := s.sessions[peerID]; live {
						stale = append(stale, sess)
					}
				}
			}
			s.mu.Unlock()

			for _, sess := range stale {
				s.logger.Infof("Evicting silent peer %s", sess.peerID)
				sess.close()
			}

			if _, err := s.store.ExpireBefore(cutoff); err != nil {
				s.logger.Warnf("Failed to expire stale participants: %v", err)
			}
		}
	}
}
