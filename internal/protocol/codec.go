package protocol

import (
	"bytes"
	"encoding/gob"
	"io"
	"sync"
)

func init() {
	gob.Register(&JoinRoom{})
	gob.Register(&Welcome{})
	gob.Register(&RoomParticipants{})
	gob.Register(&PeerJoined{})
	gob.Register(&PeerLeft{})
	gob.Register(&Heartbeat{})
	gob.Register(&Offer{})
	gob.Register(&Answer{})
	gob.Register(&IceCandidate{})
	gob.Register(&DataFrame{})
	gob.Register(&CapabilityAdvertisement{})
	gob.Register(&FileTransferRequest{})
	gob.Register(&FileTransferResponse{})
	gob.Register(&FileMetadata{})
	gob.Register(&FileChunk{})
	gob.Register(&FileComplete{})
	gob.Register(&FileCancel{})
	gob.Register(&Error{})
}

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

// Stream frames messages over a long-lived connection. It keeps one
// encoder/decoder pair for the connection's lifetime, since gob sends
// type definitions only on first use. Send is safe for concurrent use;
// Recv expects a single reader.
type Stream struct {
	mu  sync.Mutex
	enc *gob.Encoder
	dec *gob.Decoder
}

func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{
		enc: gob.NewEncoder(rw),
		dec: gob.NewDecoder(rw),
	}
}

func (s *Stream) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(&msg)
}

func (s *Stream) Recv() (Message, error) {
	var msg Message
	if err := s.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}
