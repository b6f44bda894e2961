package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ErrDaemonRunning is returned by Start when another process already serves
// the socket.
var ErrDaemonRunning = errors.New("ipc: socket already in use")

// PeerCredentials identifies the process on the other end of a socket.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// GetPeerCredentials reads SO_PEERCRED from a unix connection.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection: %T", conn)
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", credErr)
	}

	return &PeerCredentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}

// CleanupSocket removes a stale socket file. It refuses to remove anything
// that is not a socket, or a socket that still has a listener.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	if IsSocketListening(path) {
		return fmt.Errorf("%w: %s", ErrDaemonRunning, path)
	}
	return os.Remove(path)
}

// IsSocketListening reports whether something accepts connections on path.
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
