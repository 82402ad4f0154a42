//go:build linux

package ipc

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// verifyPeer checks that the connecting process runs as the same uid as
// the daemon. SO_PEERCRED is authoritative for AF_UNIX sockets.
func verifyPeer(conn net.Conn) (bool, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false, nil
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return false, err
	}

	var (
		cred    *unix.Ucred
		sockErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return false, err
	}
	if sockErr != nil {
		return false, sockErr
	}

	uid := uint32(os.Getuid())
	return cred.Uid == uid || cred.Uid == 0, nil
}
