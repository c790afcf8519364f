// Package protocol defines the wire messages exchanged between peers and
// the rendezvous relay, and the codec used to frame them.
package protocol

type Message interface {
	Type() MessageType
}

// Rendezvous envelopes. These travel between a peer and the relay only;
// the relay rewrites Target into From before forwarding.

type JoinRoom struct {
	RoomID string
}

func (JoinRoom) Type() MessageType { return MsgJoinRoom }

type Welcome struct {
	PeerID string
}

func (Welcome) Type() MessageType { return MsgWelcome }

type RoomParticipants struct {
	Participants []string
}

func (RoomParticipants) Type() MessageType { return MsgRoomParticipants }

type PeerJoined struct {
	PeerID string
}

func (PeerJoined) Type() MessageType { return MsgPeerJoined }

type PeerLeft struct {
	PeerID string
}

func (PeerLeft) Type() MessageType { return MsgPeerLeft }

type Heartbeat struct {
	Timestamp int64
}

func (Heartbeat) Type() MessageType { return MsgHeartbeat }

type Offer struct {
	Target string
	From   string
	SDP    string
}

func (Offer) Type() MessageType { return MsgOffer }

type Answer struct {
	Target string
	From   string
	SDP    string
}

func (Answer) Type() MessageType { return MsgAnswer }

type IceCandidate struct {
	Target        string
	From          string
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

func (IceCandidate) Type() MessageType { return MsgIceCandidate }

// Peer messages. These travel over an established data channel. Control
// messages and chunks share one ordered channel per peer, so control is
// never reordered relative to chunks.

type DataFrame struct {
	ID        string
	Timestamp int64
	Data      []byte
}

func (DataFrame) Type() MessageType { return MsgDataFrame }

type Resources struct {
	MaxConnections int
	MaxBandwidth   int64
	Reliability    float64
	Uptime         float64
}

type PeerCapabilities struct {
	PeerID      string
	Role        string
	Services    []string
	Resources   Resources
	LastUpdated int64
}

type CapabilityAdvertisement struct {
	Capabilities PeerCapabilities
}

func (CapabilityAdvertisement) Type() MessageType { return MsgCapabilityAd }

type FileTransferRequest struct {
	TransferID string
	FileName   string
	FileSize   int64
	FileType   string
}

func (FileTransferRequest) Type() MessageType { return MsgFileRequest }

type FileTransferResponse struct {
	TransferID string
	Accepted   bool
}

func (FileTransferResponse) Type() MessageType { return MsgFileResponse }

type FileMetadata struct {
	TransferID  string
	FileName    string
	FileSize    int64
	FileType    string
	TotalChunks uint32
	ChunkSize   uint32
}

func (FileMetadata) Type() MessageType { return MsgFileMetadata }

type FileChunk struct {
	TransferID string
	ChunkIndex uint32
	Data       []byte
	Checksum   string
}

func (FileChunk) Type() MessageType { return MsgFileChunk }

type FileComplete struct {
	TransferID  string
	TotalChunks uint32
}

func (FileComplete) Type() MessageType { return MsgFileComplete }

type FileCancel struct {
	TransferID string
	Reason     string
}

func (FileCancel) Type() MessageType { return MsgFileCancel }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }
