// Package filetransfer implements the chunked offer/accept/transfer/complete
// protocol on top of the reliable messaging layer.
package filetransfer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/protocol"
)

type Status int

const (
	StatusPending Status = iota
	StatusAccepted
	StatusRejected
	StatusTransferring
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusTransferring:
		return "transferring"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventRequested EventKind = iota
	EventAccepted
	EventRejected
	EventProgress
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventRequested:
		return "file-requested"
	case EventAccepted:
		return "file-accepted"
	case EventRejected:
		return "file-rejected"
	case EventProgress:
		return "file-progress"
	case EventCompleted:
		return "file-completed"
	case EventFailed:
		return "file-error"
	case EventCancelled:
		return "file-cancelled"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind       EventKind
	TransferID string
	PeerID     string
	FileName   string
	Progress   int
	Path       string
	Err        error
}

// Transfer is one in-flight file transfer record. The engine owns these and
// releases them once they reach a terminal state.
type Transfer struct {
	ID         string
	FileName   string
	FileSize   int64
	MimeType   string
	SenderID   string
	ReceiverID string
	Status     Status
	Progress   int

	TotalChunks uint32
	ChunkSize   uint32

	sourcePath string
	chunks     map[uint32][]byte

	cancel     chan struct{}
	cancelOnce sync.Once
}

// Snapshot is a copy-safe view of a transfer record. Transfer itself
// carries the cancel plumbing and must not be copied.
type Snapshot struct {
	ID          string
	FileName    string
	FileSize    int64
	MimeType    string
	SenderID    string
	ReceiverID  string
	Status      Status
	Progress    int
	TotalChunks uint32
	ChunkSize   uint32
}

func (t *Transfer) snapshot() Snapshot {
	return Snapshot{
		ID:          t.ID,
		FileName:    t.FileName,
		FileSize:    t.FileSize,
		MimeType:    t.MimeType,
		SenderID:    t.SenderID,
		ReceiverID:  t.ReceiverID,
		Status:      t.Status,
		Progress:    t.Progress,
		TotalChunks: t.TotalChunks,
		ChunkSize:   t.ChunkSize,
	}
}

func (t *Transfer) cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// Sender is the messaging-layer dependency: one typed control send, no
// hidden retry.
type Sender interface {
	SendControl(peerID string, msg protocol.Message) error
}

type Config struct {
	SelfID      string
	DownloadDir string

	ChunkSize       uint32
	SendRetries     int
	RetryBackoff    time.Duration
	InterChunkDelay time.Duration
	EventBuffer     int
	Logger          *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = protocol.DefaultChunkSize
	}
	if c.SendRetries == 0 {
		c.SendRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.InterChunkDelay == 0 {
		c.InterChunkDelay = 2 * time.Millisecond
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Engine drives outgoing transfers and reassembles incoming ones.
type Engine struct {
	cfg    Config
	self   string
	sender Sender
	logger *logrus.Logger

	mu        sync.Mutex
	transfers map[string]*Transfer
	events    chan Event
}

func NewEngine(sender Sender, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		self:      cfg.SelfID,
		sender:    sender,
		logger:    cfg.Logger,
		transfers: make(map[string]*Transfer),
		events:    make(chan Event, cfg.EventBuffer),
	}
}

func (e *Engine) Events() <-chan Event { return e.events }

// Get returns a snapshot of one transfer record.
func (e *Engine) Get(transferID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, exists := e.transfers[transferID]
	if !exists {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// CalculateTotalChunks returns how many chunks a file of fileSize splits
// into at chunkSize.
func CalculateTotalChunks(fileSize int64, chunkSize uint32) uint32 {
	if chunkSize == 0 {
		return 0
	}
	return uint32((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// progressPercent widens before multiplying so huge chunk counts cannot
// overflow the percentage.
func progressPercent(done, total uint32) int {
	if total == 0 {
		return 0
	}
	return int(int64(done) * 100 / int64(total))
}

// ChunkChecksum is the per-chunk integrity hash carried on the wire.
func ChunkChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// InitiateTransfer offers a file to receiverID and returns the transfer id.
// A failed control send fails the transfer immediately; there is no retry
// at this step.
func (e *Engine) InitiateTransfer(path, receiverID string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("cannot transfer a directory: %s", path)
	}

	fileName := filepath.Base(path)
	if len(fileName) > protocol.MaxFileNameLength {
		return "", fmt.Errorf("file name too long: %s", fileName)
	}

	t := &Transfer{
		ID:         uuid.NewString(),
		FileName:   fileName,
		FileSize:   info.Size(),
		MimeType:   mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))),
		SenderID:   e.self,
		ReceiverID: receiverID,
		Status:     StatusPending,
		sourcePath: path,
		cancel:     make(chan struct{}),
	}

	e.mu.Lock()
	e.transfers[t.ID] = t
	e.mu.Unlock()

	req := &protocol.FileTransferRequest{
		TransferID: t.ID,
		FileName:   t.FileName,
		FileSize:   t.FileSize,
		FileType:   t.MimeType,
	}
	if err := e.sender.SendControl(receiverID, req); err != nil {
		e.fail(t.ID, receiverID, fmt.Errorf("offer send failed: %w", err))
		return "", err
	}

	e.logger.Infof("Offered %s (%d bytes) to %s as transfer %s",
		t.FileName, t.FileSize, receiverID, t.ID)
	return t.ID, nil
}

// AcceptTransfer accepts an incoming offer and tells the sender to start.
func (e *Engine) AcceptTransfer(transferID string) error {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || t.Status != StatusPending {
		e.mu.Unlock()
		return fmt.Errorf("no pending transfer %s", transferID)
	}
	t.Status = StatusAccepted
	senderID := t.SenderID
	e.mu.Unlock()

	resp := &protocol.FileTransferResponse{TransferID: transferID, Accepted: true}
	if err := e.sender.SendControl(senderID, resp); err != nil {
		e.fail(transferID, senderID, fmt.Errorf("accept send failed: %w", err))
		return err
	}
	return nil
}

// RejectTransfer declines an incoming offer and deletes the local record.
func (e *Engine) RejectTransfer(transferID string) error {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("no transfer %s", transferID)
	}
	senderID := t.SenderID
	fileName := t.FileName
	delete(e.transfers, transferID)
	e.mu.Unlock()

	resp := &protocol.FileTransferResponse{TransferID: transferID, Accepted: false}
	if err := e.sender.SendControl(senderID, resp); err != nil {
		e.logger.Warnf("Failed to send rejection for %s: %v", transferID, err)
	}
	e.emit(Event{Kind: EventRejected, TransferID: transferID, PeerID: senderID, FileName: fileName})
	return nil
}

// CancelTransfer drops a transfer and tells the remote end, best effort and
// unacknowledged. The sending loop observes cancellation cooperatively.
func (e *Engine) CancelTransfer(transferID, reason string) error {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("no transfer %s", transferID)
	}
	t.cancelOnce.Do(func() { close(t.cancel) })
	t.Status = StatusCancelled
	remote := t.remotePeer(e.self)
	fileName := t.FileName
	delete(e.transfers, transferID)
	e.mu.Unlock()

	cancelMsg := &protocol.FileCancel{TransferID: transferID, Reason: reason}
	if err := e.sender.SendControl(remote, cancelMsg); err != nil {
		e.logger.Debugf("Best-effort cancel of %s not delivered: %v", transferID, err)
	}
	e.emit(Event{Kind: EventCancelled, TransferID: transferID, PeerID: remote, FileName: fileName})
	return nil
}

func (t *Transfer) remotePeer(self string) string {
	if t.SenderID == self {
		return t.ReceiverID
	}
	return t.SenderID
}

// HandleMessage dispatches a file transfer message received from a peer.
// Wired as the messaging layer's file message handler.
func (e *Engine) HandleMessage(peerID string, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.FileTransferRequest:
		e.handleRequest(peerID, msg)
	case *protocol.FileTransferResponse:
		e.handleResponse(peerID, msg)
	case *protocol.FileMetadata:
		e.handleMetadata(peerID, msg)
	case *protocol.FileChunk:
		e.handleChunk(peerID, msg)
	case *protocol.FileComplete:
		e.handleComplete(peerID, msg)
	case *protocol.FileCancel:
		e.handleCancel(peerID, msg)
	default:
		e.logger.Warnf("Unexpected %s message from %s", msg.Type(), peerID)
	}
}

func (e *Engine) handleRequest(peerID string, msg *protocol.FileTransferRequest) {
	if msg.FileSize < 0 || len(msg.FileName) > protocol.MaxFileNameLength {
		e.logger.Warnf("Dropping invalid transfer request from %s", peerID)
		return
	}

	t := &Transfer{
		ID:         msg.TransferID,
		FileName:   filepath.Base(msg.FileName),
		FileSize:   msg.FileSize,
		MimeType:   msg.FileType,
		SenderID:   peerID,
		ReceiverID: e.self,
		Status:     StatusPending,
		chunks:     make(map[uint32][]byte),
		cancel:     make(chan struct{}),
	}

	e.mu.Lock()
	if _, dup := e.transfers[t.ID]; dup {
		e.mu.Unlock()
		e.logger.Debugf("Ignoring duplicate transfer request %s", t.ID)
		return
	}
	e.transfers[t.ID] = t
	e.mu.Unlock()

	e.logger.Infof("Incoming transfer %s: %s (%d bytes) from %s",
		t.ID, t.FileName, t.FileSize, peerID)
	e.emit(Event{Kind: EventRequested, TransferID: t.ID, PeerID: peerID, FileName: t.FileName})
}

func (e *Engine) handleResponse(peerID string, msg *protocol.FileTransferResponse) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.SenderID != e.self || t.ReceiverID != peerID {
		e.mu.Unlock()
		e.logger.Debugf("Ignoring response for unknown transfer %s", msg.TransferID)
		return
	}

	if !msg.Accepted {
		delete(e.transfers, msg.TransferID)
		fileName := t.FileName
		e.mu.Unlock()
		e.logger.Infof("Transfer %s rejected by %s", msg.TransferID, peerID)
		e.emit(Event{Kind: EventRejected, TransferID: msg.TransferID, PeerID: peerID, FileName: fileName})
		return
	}

	t.Status = StatusAccepted
	e.mu.Unlock()

	e.emit(Event{Kind: EventAccepted, TransferID: msg.TransferID, PeerID: peerID, FileName: t.FileName})
	go e.startSending(msg.TransferID)
}

// startSending streams the file: metadata first, then sequential chunks,
// each retried with linear backoff before the whole transfer fails.
func (e *Engine) startSending(transferID string) {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists {
		e.mu.Unlock()
		return
	}
	t.Status = StatusTransferring
	t.TotalChunks = CalculateTotalChunks(t.FileSize, e.cfg.ChunkSize)
	t.ChunkSize = e.cfg.ChunkSize
	receiverID := t.ReceiverID
	sourcePath := t.sourcePath
	total := t.TotalChunks
	e.mu.Unlock()

	meta := &protocol.FileMetadata{
		TransferID:  transferID,
		FileName:    t.FileName,
		FileSize:    t.FileSize,
		FileType:    t.MimeType,
		TotalChunks: total,
		ChunkSize:   e.cfg.ChunkSize,
	}
	if err := e.sender.SendControl(receiverID, meta); err != nil {
		e.fail(transferID, receiverID, fmt.Errorf("metadata send failed: %w", err))
		return
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		e.fail(transferID, receiverID, fmt.Errorf("open file: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	buffer := make([]byte, e.cfg.ChunkSize)
	for index := uint32(0); index < total; index++ {
		if t.cancelled() {
			e.logger.Infof("Transfer %s cancelled, stopping at chunk %d", transferID, index)
			return
		}

		n, readErr := io.ReadFull(file, buffer)
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			readErr = nil
		}
		if readErr != nil {
			e.fail(transferID, receiverID, fmt.Errorf("read chunk %d: %w", index, readErr))
			return
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		chunk := &protocol.FileChunk{
			TransferID: transferID,
			ChunkIndex: index,
			Data:       data,
			Checksum:   ChunkChecksum(data),
		}
		if err := e.sendChunkWithRetry(receiverID, chunk); err != nil {
			e.fail(transferID, receiverID, fmt.Errorf("chunk %d: %w", index, err))
			return
		}

		progress := progressPercent(index+1, total)
		e.mu.Lock()
		if cur, live := e.transfers[transferID]; live {
			cur.Progress = progress
		}
		e.mu.Unlock()
		e.emit(Event{Kind: EventProgress, TransferID: transferID, PeerID: receiverID,
			FileName: t.FileName, Progress: progress})

		// Throttle so control traffic is not starved on the shared channel.
		time.Sleep(e.cfg.InterChunkDelay)
	}

	done := &protocol.FileComplete{TransferID: transferID, TotalChunks: total}
	if err := e.sender.SendControl(receiverID, done); err != nil {
		e.fail(transferID, receiverID, fmt.Errorf("completion send failed: %w", err))
		return
	}

	e.mu.Lock()
	delete(e.transfers, transferID)
	e.mu.Unlock()
	e.logger.Infof("Transfer %s sent (%d chunks)", transferID, total)
	e.emit(Event{Kind: EventCompleted, TransferID: transferID, PeerID: receiverID,
		FileName: t.FileName, Progress: 100})
}

func (e *Engine) sendChunkWithRetry(peerID string, chunk *protocol.FileChunk) error {
	var err error
	for attempt := 1; attempt <= e.cfg.SendRetries; attempt++ {
		err = e.sender.SendControl(peerID, chunk)
		if err == nil {
			return nil
		}
		e.logger.Warnf("Chunk %d to %s failed (attempt %d/%d): %v",
			chunk.ChunkIndex, peerID, attempt, e.cfg.SendRetries, err)
		time.Sleep(time.Duration(attempt) * e.cfg.RetryBackoff)
	}
	return fmt.Errorf("exhausted %d attempts: %w", e.cfg.SendRetries, err)
}

func (e *Engine) handleMetadata(peerID string, msg *protocol.FileMetadata) {
	if msg.ChunkSize == 0 || msg.ChunkSize > protocol.MaxChunkSize {
		e.logger.Warnf("Dropping metadata with bad chunk size from %s", peerID)
		return
	}

	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.ReceiverID != e.self || t.SenderID != peerID {
		e.mu.Unlock()
		e.logger.Debugf("Ignoring metadata for unknown transfer %s", msg.TransferID)
		return
	}
	t.Status = StatusTransferring
	t.TotalChunks = msg.TotalChunks
	t.ChunkSize = msg.ChunkSize
	e.mu.Unlock()
}

func (e *Engine) handleChunk(peerID string, msg *protocol.FileChunk) {
	if len(msg.Data) > protocol.MaxChunkSize {
		e.logger.Warnf("Dropping oversized chunk from %s", peerID)
		return
	}

	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.chunks == nil || t.SenderID != peerID {
		e.mu.Unlock()
		e.logger.Debugf("Ignoring chunk for unknown transfer %s", msg.TransferID)
		return
	}

	if ChunkChecksum(msg.Data) != msg.Checksum {
		e.mu.Unlock()
		e.fail(msg.TransferID, peerID, fmt.Errorf("checksum mismatch on chunk %d", msg.ChunkIndex))
		return
	}

	t.chunks[msg.ChunkIndex] = msg.Data
	progress := progressPercent(uint32(len(t.chunks)), t.TotalChunks)
	t.Progress = progress
	fileName := t.FileName
	e.mu.Unlock()

	e.emit(Event{Kind: EventProgress, TransferID: msg.TransferID, PeerID: peerID,
		FileName: fileName, Progress: progress})
}

func (e *Engine) handleComplete(peerID string, msg *protocol.FileComplete) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.chunks == nil || t.SenderID != peerID {
		e.mu.Unlock()
		e.logger.Debugf("Ignoring completion for unknown transfer %s", msg.TransferID)
		return
	}

	total := msg.TotalChunks
	if t.TotalChunks != 0 {
		total = t.TotalChunks
	}

	// Every chunk must be present; a gap is a hard failure, never a
	// partial result.
	for index := uint32(0); index < total; index++ {
		if _, present := t.chunks[index]; !present {
			e.mu.Unlock()
			e.fail(msg.TransferID, peerID, fmt.Errorf("missing chunk %d of %d", index, total))
			return
		}
	}

	data := Reassemble(t.chunks)
	fileName := t.FileName
	delete(e.transfers, msg.TransferID)
	e.mu.Unlock()

	path := filepath.Join(e.cfg.DownloadDir, fileName)
	if err := os.MkdirAll(e.cfg.DownloadDir, 0o755); err != nil {
		e.emit(Event{Kind: EventFailed, TransferID: msg.TransferID, PeerID: peerID,
			FileName: fileName, Err: err})
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.emit(Event{Kind: EventFailed, TransferID: msg.TransferID, PeerID: peerID,
			FileName: fileName, Err: err})
		return
	}

	e.logger.Infof("Transfer %s complete: %s (%d bytes)", msg.TransferID, path, len(data))
	e.emit(Event{Kind: EventCompleted, TransferID: msg.TransferID, PeerID: peerID,
		FileName: fileName, Progress: 100, Path: path})
}

func (e *Engine) handleCancel(peerID string, msg *protocol.FileCancel) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.remotePeer(e.self) != peerID {
		e.mu.Unlock()
		return
	}
	t.cancelOnce.Do(func() { close(t.cancel) })
	t.Status = StatusCancelled
	fileName := t.FileName
	delete(e.transfers, msg.TransferID)
	e.mu.Unlock()

	e.logger.Infof("Transfer %s cancelled by %s: %s", msg.TransferID, peerID, msg.Reason)
	e.emit(Event{Kind: EventCancelled, TransferID: msg.TransferID, PeerID: peerID, FileName: fileName})
}

// Reassemble concatenates chunks in index order.
func Reassemble(chunks map[uint32][]byte) []byte {
	indices := make([]uint32, 0, len(chunks))
	for index := range chunks {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var size int
	for _, index := range indices {
		size += len(chunks[index])
	}
	data := make([]byte, 0, size)
	for _, index := range indices {
		data = append(data, chunks[index]...)
	}
	return data
}

// fail marks a transfer failed, discards partial data, and emits the error.
func (e *Engine) fail(transferID, peerID string, err error) {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	var fileName string
	if exists {
		t.Status = StatusFailed
		t.chunks = nil
		fileName = t.FileName
		delete(e.transfers, transferID)
	}
	e.mu.Unlock()

	e.logger.Warnf("Transfer %s failed: %v", transferID, err)
	e.emit(Event{Kind: EventFailed, TransferID: transferID, PeerID: peerID,
		FileName: fileName, Err: err})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warnf("Event buffer full, dropping %s for transfer %s", ev.Kind, ev.TransferID)
	}
}
