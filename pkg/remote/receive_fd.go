package remote

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// LP64 layout constants for the structures sendmsg reads out of tracee
// memory. Both supported architectures use the same layout.
const (
	msgBlockSize = 104
	offDummy     = 0  // 1 byte of iov payload
	offIovec     = 8  // struct iovec, 16 bytes
	offCmsg      = 24 // cmsghdr + fd, CMSG_SPACE(4) = 24 bytes
	offMsghdr    = 48 // struct msghdr, 56 bytes

	cmsgLenForFd = 20 // CMSG_LEN(sizeof(int))
)

func buildMsgBlock(base uint64, fd int32) []byte {
	b := make([]byte, msgBlockSize)
	le := binary.LittleEndian

	// iovec: one dummy byte; SCM_RIGHTS needs non-empty data.
	le.PutUint64(b[offIovec:], base+offDummy)
	le.PutUint64(b[offIovec+8:], 1)

	// cmsghdr carrying the fd.
	le.PutUint64(b[offCmsg:], cmsgLenForFd)
	le.PutUint32(b[offCmsg+8:], unix.SOL_SOCKET)
	le.PutUint32(b[offCmsg+12:], unix.SCM_RIGHTS)
	le.PutUint32(b[offCmsg+16:], uint32(fd))

	// msghdr.
	le.PutUint64(b[offMsghdr+16:], base+offIovec) // msg_iov
	le.PutUint64(b[offMsghdr+24:], 1)             // msg_iovlen
	le.PutUint64(b[offMsghdr+32:], base+offCmsg)  // msg_control
	le.PutUint64(b[offMsghdr+40:], offMsghdr-offCmsg)

	return b
}

func buildSockaddrUn(path string) []byte {
	b := make([]byte, 2+len(path)+1)
	binary.LittleEndian.PutUint16(b, unix.AF_UNIX)
	copy(b[2:], path)
	return b
}

// ReceiveFd transfers a descriptor out of the tracee: the tracee
// connects to a temporary socket and sends traceeFd via SCM_RIGHTS;
// the supervisor's copy is returned. Used for the desched perf fd and
// shared-memory descriptors.
func ReceiveFd(r *AutoRemoteSyscalls, traceeFd int32) (int, error) {
	dir, err := os.MkdirTemp("", "retrace-fd-")
	if err != nil {
		return -1, errors.Wrap(err, "remote: cannot create socket directory")
	}
	defer os.RemoveAll(dir)
	sockPath := filepath.Join(dir, "s")
	if len(sockPath) >= 108 {
		return -1, errors.Errorf("remote: socket path %q too long", sockPath)
	}

	listenFd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "remote: socket")
	}
	defer unix.Close(listenFd)
	if err := unix.Bind(listenFd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		return -1, errors.Wrap(err, "remote: bind")
	}
	if err := unix.Listen(listenFd, 1); err != nil {
		return -1, errors.Wrap(err, "remote: listen")
	}

	var nos [4]int64
	for i, name := range []string{"socket", "connect", "sendmsg", "close"} {
		if nos[i], err = r.Callno(name); err != nil {
			return -1, err
		}
	}
	socketNo, connectNo, sendmsgNo, closeNo := nos[0], nos[1], nos[2], nos[3]

	childSock, err := r.SyscallChecked(socketNo, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	defer func() {
		if _, err := r.SyscallChecked(closeNo, uint64(childSock)); err != nil {
			log.Errorf("remote.ReceiveFd: tracee close failed - %v", err)
		}
	}()

	// The tracee connects. The listen backlog completes the handshake
	// without an accept, so the synchronous remote syscall cannot hang.
	addrBytes := buildSockaddrUn(sockPath)
	addrMem, err := NewRestoreMem(r, addrBytes, 0)
	if err != nil {
		return -1, err
	}
	defer addrMem.Release()
	if _, err := r.SyscallChecked(connectNo, uint64(childSock), addrMem.Addr(), uint64(len(addrBytes))); err != nil {
		return -1, err
	}

	connFd, _, err := unix.Accept(listenFd)
	if err != nil {
		return -1, errors.Wrap(err, "remote: accept")
	}
	defer unix.Close(connFd)

	// Stage the whole msghdr block on the tracee stack and send.
	msgMem, err := NewRestoreMem(r, nil, msgBlockSize)
	if err != nil {
		return -1, err
	}
	defer msgMem.Release()
	block := buildMsgBlock(msgMem.Addr(), traceeFd)
	if err := r.Tracee().WriteBytes(msgMem.Addr(), block); err != nil {
		return -1, errors.Wrap(err, "remote: cannot stage msghdr")
	}
	if _, err := r.SyscallChecked(sendmsgNo, uint64(childSock), msgMem.Addr()+offMsghdr, 0); err != nil {
		return -1, err
	}

	buf := make([]byte, 1)
	oob := make([]byte, 64)
	_, oobn, _, _, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return -1, errors.Wrap(err, "remote: recvmsg")
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return -1, errors.Errorf("remote: no control message received (%v)", err)
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return -1, errors.Errorf("remote: no fd in control message (%v)", err)
	}
	return fds[0], nil
}
