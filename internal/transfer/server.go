// Package transfer implements the TCP file sharing endpoint. One request is
// served per connection: a length-prefixed JSON header selects upload or
// download, followed by length-prefixed chunks terminated by a zero-length
// chunk. Stored files are ephemeral and deleted at shutdown.
package transfer

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/lancollab/internal/consts"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
	"github.com/codefionn/lancollab/internal/session"
)

// StoredFile is one completed upload on disk
type StoredFile struct {
	FileID    string
	Filename  string
	TotalSize int64
	Uploader  string
	Path      string
}

type requestHeader struct {
	Action    string `json:"action"`
	Username  string `json:"username,omitempty"`
	Filename  string `json:"filename,omitempty"`
	TotalSize int64  `json:"total_size,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

// Server shares uploaded files among participants for the lifetime of the
// process. Uploads are accepted only from connected participants and capped
// at maxUploadSize before any disk write happens.
type Server struct {
	host          string
	port          int
	storageDir    string
	maxUploadSize int64
	sessions      *session.Manager

	listener net.Listener

	mu    sync.Mutex
	files map[string]*StoredFile

	runMu    sync.Mutex
	running  bool
	stopOnce sync.Once
}

func NewServer(host string, port int, storageDir string, maxUploadSize int64, sessions *session.Manager) *Server {
	return &Server{
		host:          host,
		port:          port,
		storageDir:    storageDir,
		maxUploadSize: maxUploadSize,
		sessions:      sessions,
		files:         make(map[string]*StoredFile),
	}
}

func (s *Server) Start() error {
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("failed to bind file port: %w", err)
	}
	s.listener = listener

	s.runMu.Lock()
	s.running = true
	s.runMu.Unlock()

	go s.acceptLoop()

	logger.Info("File server listening on %s:%d", s.host, s.port)
	return nil
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.CleanupStorage()
		logger.Info("File server stopped")
	})
}

func (s *Server) isRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// ListFiles returns current offers sorted by filename, for the WELCOME
// payload and FILE_REQUEST handling
func (s *Server) ListFiles() []protocol.FileOffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	offers := make([]protocol.FileOffer, 0, len(s.files))
	for _, stored := range s.files {
		offers = append(offers, protocol.FileOffer{
			FileID:    stored.FileID,
			Filename:  stored.Filename,
			TotalSize: stored.TotalSize,
			Uploader:  stored.Uploader,
		})
	}
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].Filename < offers[j].Filename
	})
	return offers
}

// GetFile looks up a stored file by its opaque id
func (s *Server) GetFile(fileID string) (*StoredFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.files[fileID]
	return stored, ok
}

// StorageUsage reports the total bytes held on disk
func (s *Server) StorageUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, stored := range s.files {
		total += stored.TotalSize
	}
	return total
}

// CleanupStorage forgets all offers and deletes their backing files
func (s *Server) CleanupStorage() {
	s.mu.Lock()
	files := make([]*StoredFile, 0, len(s.files))
	for _, stored := range s.files {
		files = append(files, stored)
	}
	s.files = make(map[string]*StoredFile)
	s.mu.Unlock()

	for _, stored := range files {
		if err := os.Remove(stored.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to delete stored file %s: %v", stored.FileID, err)
		}
	}
}

func (s *Server) acceptLoop() {
	for s.isRunning() {
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(consts.AcceptPollInterval))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("File server accept error: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	reader := bufio.NewReaderSize(conn, consts.BufferSize64KB)

	var header requestHeader
	if err := readJSON(reader, &header); err != nil {
		logger.Warn("Malformed file transfer header from %s: %v", peer, err)
		return
	}

	var err error
	switch header.Action {
	case "upload":
		err = s.handleUpload(header, reader, conn)
	case "download":
		err = s.handleDownload(header, conn)
	default:
		err = fmt.Errorf("unsupported file action %q", header.Action)
	}
	if err != nil {
		logger.Warn("File transfer from %s failed: %v", peer, err)
		sendJSON(conn, map[string]interface{}{"status": "error", "reason": err.Error()})
	}
}

func (s *Server) handleUpload(header requestHeader, reader *bufio.Reader, conn net.Conn) error {
	if header.Username == "" || header.Filename == "" || header.TotalSize <= 0 {
		return errors.New("invalid upload header")
	}
	if !s.sessions.IsConnected(header.Username) {
		return fmt.Errorf("uploader %s is not connected", header.Username)
	}
	// Reject oversized uploads before anything touches the disk
	if header.TotalSize > s.maxUploadSize {
		return fmt.Errorf("upload of %d bytes exceeds limit of %d", header.TotalSize, s.maxUploadSize)
	}

	fileID := uuid.New().String()
	targetPath := filepath.Join(s.storageDir, fileID)

	file, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("failed to create upload target: %w", err)
	}

	var received int64
	for received < header.TotalSize {
		chunk, err := readLengthPrefixed(reader, consts.BufferSize64KB)
		if err != nil || chunk == nil {
			break
		}
		if _, err := file.Write(chunk); err != nil {
			file.Close()
			os.Remove(targetPath)
			return fmt.Errorf("failed to write upload chunk: %w", err)
		}
		received += int64(len(chunk))
		s.sessions.Broadcast(protocol.ActionFileProgress, map[string]interface{}{
			"file_id":    fileID,
			"filename":   header.Filename,
			"uploader":   header.Username,
			"received":   received,
			"total_size": header.TotalSize,
		})
	}
	file.Close()

	if received != header.TotalSize {
		os.Remove(targetPath)
		return errors.New("file upload interrupted")
	}

	stored := &StoredFile{
		FileID:    fileID,
		Filename:  header.Filename,
		TotalSize: header.TotalSize,
		Uploader:  header.Username,
		Path:      targetPath,
	}
	s.mu.Lock()
	s.files[fileID] = stored
	s.mu.Unlock()

	if err := sendJSON(conn, map[string]interface{}{"status": "ok", "file_id": fileID}); err != nil {
		return err
	}

	offer := protocol.FileOffer{
		FileID:    fileID,
		Filename:  header.Filename,
		TotalSize: header.TotalSize,
		Uploader:  header.Username,
	}
	s.sessions.Broadcast(protocol.ActionFileOffer, offer, header.Username)
	logger.Info("Stored file %s (%s, %d bytes) from %s",
		fileID, header.Filename, header.TotalSize, header.Username)
	return nil
}

func (s *Server) handleDownload(header requestHeader, conn net.Conn) error {
	if header.FileID == "" {
		return errors.New("file_id required for download")
	}
	stored, ok := s.GetFile(header.FileID)
	if !ok {
		return fmt.Errorf("unknown file %s", header.FileID)
	}

	if err := sendJSON(conn, map[string]interface{}{
		"status":     "ok",
		"file_id":    stored.FileID,
		"filename":   stored.Filename,
		"total_size": stored.TotalSize,
		"uploader":   stored.Uploader,
	}); err != nil {
		return err
	}

	file, err := os.Open(stored.Path)
	if err != nil {
		return fmt.Errorf("failed to open stored file: %w", err)
	}
	defer file.Close()

	chunk := make([]byte, consts.BufferSize64KB)
	for {
		n, err := file.Read(chunk)
		if n > 0 {
			if err := writeChunk(conn, chunk[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read stored file: %w", err)
		}
	}
	return writeChunk(conn, nil)
}

func readJSON(reader *bufio.Reader, v interface{}) error {
	payload, err := readLengthPrefixed(reader, consts.BufferSize64KB)
	if err != nil {
		return err
	}
	if payload == nil {
		return errors.New("empty header frame")
	}
	return json.Unmarshal(payload, v)
}

func sendJSON(conn net.Conn, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeChunk(conn, payload)
}

// readLengthPrefixed returns the next 4-byte big-endian prefixed blob, or
// (nil, nil) for a zero-length terminator
func readLengthPrefixed(reader io.Reader, limit uint32) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(reader, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length == 0 {
		return nil, nil
	}
	if length > limit {
		return nil, fmt.Errorf("chunk of %d bytes exceeds limit of %d", length, limit)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeChunk(conn net.Conn, data []byte) error {
	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(data)))
	if _, err := conn.Write(lengthBytes[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			return err
		}
	}
	return nil
}
