package protocol

const (
	// DefaultChunkSize is the payload size of a single file chunk.
	DefaultChunkSize = 16 * 1024

	// MaxChunkSize bounds the chunk payload a receiver will accept.
	MaxChunkSize = 256 * 1024

	// MaxFileNameLength bounds file names carried in transfer messages.
	MaxFileNameLength = 255
)

type MessageType uint16

const (
	MsgJoinRoom         MessageType = 0x0001
	MsgWelcome          MessageType = 0x0002
	MsgRoomParticipants MessageType = 0x0003
	MsgPeerJoined       MessageType = 0x0004
	MsgPeerLeft         MessageType = 0x0005
	MsgHeartbeat        MessageType = 0x0006
	MsgOffer            MessageType = 0x0010
	MsgAnswer           MessageType = 0x0011
	MsgIceCandidate     MessageType = 0x0012
	MsgDataFrame        MessageType = 0x0020
	MsgCapabilityAd     MessageType = 0x0030
	MsgFileRequest      MessageType = 0x0040
	MsgFileResponse     MessageType = 0x0041
	MsgFileMetadata     MessageType = 0x0042
	MsgFileChunk        MessageType = 0x0043
	MsgFileComplete     MessageType = 0x0044
	MsgFileCancel       MessageType = 0x0045
	MsgError            MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgJoinRoom:
		return "JOIN_ROOM"
	case MsgWelcome:
		return "WELCOME"
	case MsgRoomParticipants:
		return "ROOM_PARTICIPANTS"
	case MsgPeerJoined:
		return "PEER_JOINED"
	case MsgPeerLeft:
		return "PEER_LEFT"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgOffer:
		return "OFFER"
	case MsgAnswer:
		return "ANSWER"
	case MsgIceCandidate:
		return "ICE_CANDIDATE"
	case MsgDataFrame:
		return "DATA_FRAME"
	case MsgCapabilityAd:
		return "CAPABILITY_AD"
	case MsgFileRequest:
		return "FILE_REQUEST"
	case MsgFileResponse:
		return "FILE_RESPONSE"
	case MsgFileMetadata:
		return "FILE_METADATA"
	case MsgFileChunk:
		return "FILE_CHUNK"
	case MsgFileComplete:
		return "FILE_COMPLETE"
	case MsgFileCancel:
		return "FILE_CANCEL"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrUnknown      ErrorCode = 0x0000
	ErrInvalidMsg   ErrorCode = 0x0001
	ErrRoomNotFound ErrorCode = 0x0002
	ErrPeerNotFound ErrorCode = 0x0003
	ErrInternal     ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrRoomNotFound:
		return "ROOM_NOT_FOUND"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}
