package transfer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/codefionn/lancollab/internal/session"
)

type nullTransport struct{}

func (nullTransport) Enqueue(frame []byte) error { return nil }
func (nullTransport) Close()                     {}

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(0)
	if _, err := sessions.Register("alice", nullTransport{}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	srv := NewServer("127.0.0.1", 0, t.TempDir(), 1024*1024, sessions)
	return srv, sessions
}

// serve runs one connection through the server over a pipe and returns the
// client side
func serve(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	go srv.handleConnection(serverSide)
	return clientSide
}

func sendFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(payload)))
	if _, err := conn.Write(lengthBytes[:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
}

func sendJSONFrame(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	sendFrame(t, conn, payload)
}

func readResponse(t *testing.T, reader *bufio.Reader) map[string]interface{} {
	t.Helper()
	payload, err := readLengthPrefixed(reader, 1024*1024)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	return decoded
}

func upload(t *testing.T, srv *Server, username, filename string, content []byte) string {
	t.Helper()
	conn := serve(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendJSONFrame(t, conn, map[string]interface{}{
		"action":     "upload",
		"username":   username,
		"filename":   filename,
		"total_size": len(content),
	})
	sendFrame(t, conn, content)

	response := readResponse(t, reader)
	if response["status"] != "ok" {
		t.Fatalf("Upload failed: %v", response)
	}
	fileID, _ := response["file_id"].(string)
	if fileID == "" {
		t.Fatal("Upload response missing file_id")
	}
	return fileID
}

func TestUploadAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	fileID := upload(t, srv, "alice", "notes.txt", []byte("hello world"))

	offers := srv.ListFiles()
	if len(offers) != 1 {
		t.Fatalf("Expected 1 offer, got %d", len(offers))
	}
	offer := offers[0]
	if offer.FileID != fileID || offer.Filename != "notes.txt" || offer.TotalSize != 11 || offer.Uploader != "alice" {
		t.Errorf("Unexpected offer: %+v", offer)
	}
	if srv.StorageUsage() != 11 {
		t.Errorf("StorageUsage = %d, want 11", srv.StorageUsage())
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	content := []byte("the shared document body")
	fileID := upload(t, srv, "alice", "doc.txt", content)

	conn := serve(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendJSONFrame(t, conn, map[string]interface{}{
		"action":  "download",
		"file_id": fileID,
	})

	response := readResponse(t, reader)
	if response["status"] != "ok" || response["filename"] != "doc.txt" {
		t.Fatalf("Unexpected download header: %v", response)
	}

	var received bytes.Buffer
	for {
		chunk, err := readLengthPrefixed(reader, 1024*1024)
		if err != nil {
			t.Fatalf("Failed to read chunk: %v", err)
		}
		if chunk == nil {
			break
		}
		received.Write(chunk)
	}
	if !bytes.Equal(received.Bytes(), content) {
		t.Errorf("Downloaded %q, want %q", received.Bytes(), content)
	}
}

func TestUploadRejectsDisconnectedUser(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := serve(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendJSONFrame(t, conn, map[string]interface{}{
		"action":     "upload",
		"username":   "stranger",
		"filename":   "x.txt",
		"total_size": 4,
	})

	response := readResponse(t, reader)
	if response["status"] != "error" {
		t.Fatalf("Expected rejection, got %v", response)
	}
	if len(srv.ListFiles()) != 0 {
		t.Error("Rejected upload must not store a file")
	}
}

func TestUploadRejectsOversize(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := serve(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendJSONFrame(t, conn, map[string]interface{}{
		"action":     "upload",
		"username":   "alice",
		"filename":   "big.bin",
		"total_size": 10 * 1024 * 1024, // over the 1 MiB test cap
	})

	response := readResponse(t, reader)
	if response["status"] != "error" {
		t.Fatalf("Expected rejection, got %v", response)
	}
}

func TestShortUploadDiscarded(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := serve(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendJSONFrame(t, conn, map[string]interface{}{
		"action":     "upload",
		"username":   "alice",
		"filename":   "partial.txt",
		"total_size": 100,
	})
	sendFrame(t, conn, []byte("only ten b"))
	sendFrame(t, conn, nil) // premature terminator

	response := readResponse(t, reader)
	if response["status"] != "error" {
		t.Fatalf("Expected error for short upload, got %v", response)
	}
	if len(srv.ListFiles()) != 0 {
		t.Error("Interrupted upload must not be offered")
	}
}

func TestDownloadUnknownFile(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := serve(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendJSONFrame(t, conn, map[string]interface{}{
		"action":  "download",
		"file_id": "nope",
	})

	response := readResponse(t, reader)
	if response["status"] != "error" {
		t.Fatalf("Expected error for unknown file, got %v", response)
	}
}

func TestCleanupStorageDeletesFiles(t *testing.T) {
	srv, _ := newTestServer(t)
	fileID := upload(t, srv, "alice", "temp.txt", []byte("ephemeral"))

	stored, ok := srv.GetFile(fileID)
	if !ok {
		t.Fatal("Stored file not found")
	}

	srv.CleanupStorage()

	if len(srv.ListFiles()) != 0 {
		t.Error("Offers should be cleared")
	}
	if _, err := os.Stat(stored.Path); !os.IsNotExist(err) {
		t.Error("Backing file should be deleted")
	}
}
